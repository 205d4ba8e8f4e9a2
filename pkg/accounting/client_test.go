package accounting_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shunichi-ikebuchi/ledger-sync/pkg/accounting"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/apiclient"
	"github.com/shunichi-ikebuchi/ledger-sync/pkg/emulator"
)

func newAccounting(t *testing.T, secret, tenant string) (*emulator.Accounting, *accounting.Client) {
	t.Helper()

	emu := emulator.NewAccounting("client-1", "secret-1", "tenant-1")
	server := httptest.NewServer(emu.Handler())
	t.Cleanup(server.Close)

	client := accounting.NewClient(accounting.ClientConfig{
		APIURL:       server.URL,
		TokenURL:     server.URL + "/oauth/token",
		ClientID:     "client-1",
		ClientSecret: secret,
		TenantID:     tenant,
	}, apiclient.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	return emu, client
}

func TestFindAccountsByNameIsLoose(t *testing.T) {
	emu, client := newAccounting(t, "secret-1", "tenant-1")
	emu.AddAccount(emulator.AccountingAccount{ID: "a1", Code: "400", Name: "Groceries", Type: "expense"})
	emu.AddAccount(emulator.AccountingAccount{ID: "a2", Code: "401", Name: "Groceries Wholesale", Type: "expense"})
	emu.AddAccount(emulator.AccountingAccount{ID: "a3", Code: "500", Name: "Rent", Type: "expense"})

	accounts, err := client.FindAccountsByName(context.Background(), "groceries")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestCreateInvoiceAndFindByReference(t *testing.T) {
	emu, client := newAccounting(t, "secret-1", "tenant-1")
	emu.AddAccount(emulator.AccountingAccount{ID: "a1", Code: "400", Name: "Groceries", Type: "expense"})
	ctx := context.Background()

	inv, err := client.CreateInvoice(ctx, accounting.InvoiceRequest{
		Type:      accounting.DocumentBill,
		Date:      "2024-03-01",
		Reference: "t1",
		LineItems: []accounting.LineItem{{AccountID: "a1", Amount: decimal.RequireFromString("12.50")}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, inv.ID)
	assert.Equal(t, accounting.DocumentBill, inv.Type)
	assert.True(t, inv.Total.Equal(decimal.RequireFromString("12.50")))

	found, err := client.FindInvoiceByReference(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, inv.ID, found.ID)

	missing, err := client.FindInvoiceByReference(ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Len(t, emu.Invoices(), 1)
}

func TestCreateInvoiceWithArchivedAccountIsPermanent(t *testing.T) {
	emu, client := newAccounting(t, "secret-1", "tenant-1")
	emu.AddAccount(emulator.AccountingAccount{ID: "a1", Name: "Old", Status: "archived"})

	_, err := client.CreateInvoice(context.Background(), accounting.InvoiceRequest{
		Type:      accounting.DocumentInvoice,
		Date:      "2024-03-01",
		Reference: "t1",
		LineItems: []accounting.LineItem{{AccountID: "a1", Amount: decimal.NewFromInt(5)}},
	})
	require.Error(t, err)
	assert.True(t, apiclient.IsPermanent(err))
	assert.False(t, apiclient.IsFatal(err))
}

func TestInvalidClientSecretIsFatal(t *testing.T) {
	_, client := newAccounting(t, "wrong", "tenant-1")

	_, err := client.FindAccountsByName(context.Background(), "x")
	require.ErrorIs(t, err, apiclient.ErrAuthentication)
	assert.True(t, apiclient.IsFatal(err))
}

func TestTenantHeaderIsSent(t *testing.T) {
	_, client := newAccounting(t, "secret-1", "other-tenant")

	_, err := client.FindAccountsByName(context.Background(), "x")
	require.ErrorIs(t, err, apiclient.ErrClient)
}

func TestTokenIsRefreshedAfterRevocation(t *testing.T) {
	emu, client := newAccounting(t, "secret-1", "tenant-1")
	ctx := context.Background()

	_, err := client.FindAccountsByName(ctx, "x")
	require.NoError(t, err)

	emu.RevokeTokens()

	_, err = client.FindAccountsByName(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, emu.Calls("token"))
}

func TestTokenEndpointOutageIsTransient(t *testing.T) {
	emu, client := newAccounting(t, "secret-1", "tenant-1")
	emu.Inject("token", emulator.Fault{Status: http.StatusServiceUnavailable})

	_, err := client.FindAccountsByName(context.Background(), "x")
	require.ErrorIs(t, err, apiclient.ErrServer)
	assert.False(t, apiclient.IsFatal(err))
}
