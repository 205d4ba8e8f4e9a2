package ledger

import (
	"bytes"
	"embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
)

//go:embed schema/ledger.json
var schemaFS embed.FS

const schemaURL = "mem://ledger/ledger.json"

// Operation names, also used to pick the response schema.
const (
	opLogin           = "login"
	opGetBudget       = "get_budget"
	opListGroups      = "list_category_groups"
	opListCategories  = "list_categories"
	opGetCategory     = "get_category"
	opListTransaction = "list_transactions"
	opGetTransaction  = "get_transaction"
	opUpdateNotes     = "update_notes"
)

var opSchemas = map[string]string{
	opLogin:           "login",
	opGetBudget:       "budget",
	opListGroups:      "categoryGroupList",
	opListCategories:  "categoryList",
	opGetCategory:     "categoryEnvelope",
	opListTransaction: "transactionList",
	opGetTransaction:  "transactionEnvelope",
	opUpdateNotes:     "transactionEnvelope",
}

// contract validates responses against the single pinned ledger API shape.
type contract struct {
	schemas map[string]*jsonschema.Schema
}

func newContract() (*contract, error) {
	data, err := schemaFS.ReadFile("schema/ledger.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("failed to register ledger schema: %w", err)
	}

	c := &contract{schemas: make(map[string]*jsonschema.Schema, len(opSchemas))}
	for op, def := range opSchemas {
		sch, err := compiler.Compile(schemaURL + "#/$defs/" + def)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", def, err)
		}
		c.schemas[op] = sch
	}
	return c, nil
}

// validate is installed as the apiclient response validator.
func (c *contract) validate(op apiclient.Op, body []byte) error {
	sch, ok := c.schemas[op.Name]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledger %s response is not JSON: %w", op.Name, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("ledger %s response does not match the pinned contract: %w", op.Name, err)
	}
	return nil
}
