package acme_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbrinnel/acme2certifier/internal/acme"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

func TestNonceGenerateAndConsume(t *testing.T) {
	store := storage.NewMemoryStorage()
	nonces := acme.NewNonceManager(store, 30*time.Minute)
	ctx := context.Background()

	nonce, err := nonces.GenerateAndAdd(ctx)
	require.NoError(t, err)
	assert.Len(t, nonce, 32, "nonce should be a 32 char hex name")

	require.Nil(t, nonces.CheckAndDelete(ctx, nonce), "first use must succeed")

	p := nonces.CheckAndDelete(ctx, nonce)
	require.NotNil(t, p, "replayed nonce must be rejected")
	assert.Equal(t, 400, p.Code)
	assert.Equal(t, acme.ErrBadNonce, p.Type)
	assert.Equal(t, nonce, p.Detail)
}

func TestNonceMissing(t *testing.T) {
	store := storage.NewMemoryStorage()
	nonces := acme.NewNonceManager(store, 30*time.Minute)

	p := nonces.CheckAndDelete(context.Background(), "")
	require.NotNil(t, p)
	assert.Equal(t, 400, p.Code)
	assert.Equal(t, acme.ErrBadNonce, p.Type)
	assert.Equal(t, "NONE", p.Detail)
}

func TestNonceExpired(t *testing.T) {
	store := storage.NewMemoryStorage()
	nonces := acme.NewNonceManager(store, -time.Minute)
	ctx := context.Background()

	nonce, err := nonces.GenerateAndAdd(ctx)
	require.NoError(t, err)

	p := nonces.CheckAndDelete(ctx, nonce)
	require.NotNil(t, p, "expired nonce must be rejected")
	assert.Equal(t, acme.ErrBadNonce, p.Type)
}
