package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbrinnel/acme2certifier/internal/model"
)

func TestMemoryNonceConsumeOnce(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	err := store.SaveNonce(ctx, &model.Nonce{Value: "abc", ExpiresAt: time.Now().Add(time.Minute)})
	require.NoError(t, err)

	nonce, err := store.ConsumeNonce(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, nonce)
	assert.Equal(t, "abc", nonce.Value)

	// Second consumption must miss.
	nonce, err = store.ConsumeNonce(ctx, "abc")
	require.NoError(t, err)
	assert.Nil(t, nonce)
}

func TestMemoryNonceExpiry(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	err := store.SaveNonce(ctx, &model.Nonce{Value: "stale", ExpiresAt: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	nonce, err := store.ConsumeNonce(ctx, "stale")
	require.NoError(t, err)
	assert.Nil(t, nonce)

	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "stale", ExpiresAt: time.Now().Add(-time.Minute)}))
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{Value: "fresh", ExpiresAt: time.Now().Add(time.Minute)}))

	deleted, err := store.DeleteExpiredNonces(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	nonce, err = store.ConsumeNonce(ctx, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, nonce)
}

func TestMemoryAccountLookup(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	account := &model.Account{
		ID:           "acct1",
		Status:       model.StatusValid,
		Contact:      []string{"mailto:hostmaster@example.com"},
		PublicKeyJWK: `{"kty":"EC","crv":"P-256"}`,
	}
	require.NoError(t, store.SaveAccount(ctx, account))

	got, err := store.GetAccount(ctx, "acct1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.Contact, got.Contact)
	assert.False(t, got.CreatedAt.IsZero())

	byJWK, err := store.GetAccountByJWK(ctx, `{"kty":"EC","crv":"P-256"}`)
	require.NoError(t, err)
	require.NotNil(t, byJWK)
	assert.Equal(t, "acct1", byJWK.ID)

	miss, err := store.GetAccount(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestMemoryAccountCopySemantics(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	account := &model.Account{ID: "acct1", Contact: []string{"mailto:a@example.com"}}
	require.NoError(t, store.SaveAccount(ctx, account))

	got, err := store.GetAccount(ctx, "acct1")
	require.NoError(t, err)
	got.Contact[0] = "mailto:tampered@example.com"

	again, err := store.GetAccount(ctx, "acct1")
	require.NoError(t, err)
	assert.Equal(t, "mailto:a@example.com", again.Contact[0])
}

func TestMemoryOrderAndAuthorizations(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.SaveOrder(ctx, &model.Order{ID: "order1", AccountID: "acct1", Status: model.StatusPending}))
	require.NoError(t, store.SaveAuthorization(ctx, &model.Authorization{ID: "authz1", OrderID: "order1"}))
	require.NoError(t, store.SaveAuthorization(ctx, &model.Authorization{ID: "authz2", OrderID: "order1"}))
	require.NoError(t, store.SaveAuthorization(ctx, &model.Authorization{ID: "other", OrderID: "order2"}))

	orders, err := store.GetOrdersByAccountID(ctx, "acct1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	authzs, err := store.GetAuthorizationsByOrderID(ctx, "order1")
	require.NoError(t, err)
	assert.Len(t, authzs, 2)
}

func TestMemoryCertificateBySerial(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	cert := &model.Certificate{
		ID:      "cert1",
		OrderID: "order1",
		Serial:  "deadbeef",
		RawDER:  []byte{0x30, 0x82},
	}
	require.NoError(t, store.SaveCertificate(ctx, cert))

	bySerial, err := store.GetCertificateBySerial(ctx, "deadbeef")
	require.NoError(t, err)
	require.NotNil(t, bySerial)
	assert.Equal(t, "cert1", bySerial.ID)

	byOrder, err := store.GetCertificateByOrderID(ctx, "order1")
	require.NoError(t, err)
	require.NotNil(t, byOrder)
	assert.Equal(t, []byte{0x30, 0x82}, byOrder.RawDER)

	// An empty serial never matches a record.
	miss, err := store.GetCertificateBySerial(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestMemoryCAData(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	key, err := store.GetCAPrivateKey(ctx)
	require.NoError(t, err)
	assert.Nil(t, key)

	require.NoError(t, store.SaveCAPrivateKey(ctx, []byte("key-pem")))
	require.NoError(t, store.SaveCACertificate(ctx, []byte("cert-pem")))

	key, err = store.GetCAPrivateKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("key-pem"), key)

	cert, err := store.GetCACertificate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert-pem"), cert)
}
