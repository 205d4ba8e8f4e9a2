package mapping

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryPin fixes the destination account of a ledger category.
type CategoryPin struct {
	CategoryID string `yaml:"category_id"`
	AccountID  string `yaml:"account_id"`
	Note       string `yaml:"note,omitempty"`
}

// PayeePin maps a ledger payee to an accounting contact.
type PayeePin struct {
	PayeeID   string `yaml:"payee_id"`
	ContactID string `yaml:"contact_id"`
}

// PinConfig represents the complete pin file.
type PinConfig struct {
	Categories       []CategoryPin `yaml:"categories"`
	Payees           []PayeePin    `yaml:"payees"`
	DefaultContactID string        `yaml:"default_contact_id"`
}

// Pins holds mappings fixed by configuration. They take precedence over
// name-based lookups.
type Pins struct {
	categories     map[string]string
	contacts       map[string]string
	defaultContact string
}

// LoadPins reads a YAML pin file. A missing file yields empty pins.
func LoadPins(path string) (*Pins, error) {
	if path == "" {
		return NewPins(PinConfig{}), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewPins(PinConfig{}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pin file: %w", err)
	}

	var config PinConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, p := range config.Categories {
		if p.CategoryID == "" || p.AccountID == "" {
			return nil, fmt.Errorf("pin file %s: categories[%d] needs category_id and account_id", path, i)
		}
	}
	return NewPins(config), nil
}

// NewPins builds pins from an in-memory configuration.
func NewPins(config PinConfig) *Pins {
	p := &Pins{
		categories:     make(map[string]string, len(config.Categories)),
		contacts:       make(map[string]string, len(config.Payees)),
		defaultContact: config.DefaultContactID,
	}
	for _, c := range config.Categories {
		p.categories[c.CategoryID] = c.AccountID
	}
	for _, c := range config.Payees {
		p.contacts[c.PayeeID] = c.ContactID
	}
	return p
}

// Account returns the pinned account of a category.
func (p *Pins) Account(categoryID string) (string, bool) {
	if p == nil {
		return "", false
	}
	id, ok := p.categories[categoryID]
	return id, ok
}

// Contact returns the contact pinned for payeeID, falling back to the
// default contact.
func (p *Pins) Contact(payeeID string) string {
	if p == nil {
		return ""
	}
	if id := p.contacts[payeeID]; id != "" {
		return id
	}
	return p.defaultContact
}

// Len returns the number of pinned categories.
func (p *Pins) Len() int {
	if p == nil {
		return 0
	}
	return len(p.categories)
}
