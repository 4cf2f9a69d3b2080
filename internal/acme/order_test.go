package acme_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbrinnel/acme2certifier/internal/acme"
	"github.com/vbrinnel/acme2certifier/internal/model"
)

func TestNewOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)
	orderName, authzURLs := createOrder(t, env, key, kid, "one.example.com", "two.example.com")

	assert.Len(t, authzURLs, 2, "one authorization per identifier")

	order, err := env.store.GetOrder(ctx, orderName)
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, model.StatusPending, order.Status)
	assert.False(t, order.Expires.IsZero())

	authzs, err := env.store.GetAuthorizationsByOrderID(ctx, orderName)
	require.NoError(t, err)
	assert.Len(t, authzs, 2)
}

func TestNewOrderWithoutIdentifiers(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)

	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t),
		map[string]interface{}{"foo": "bar"}, key, kid)
	resp := env.orders.New(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	problem := problemFrom(t, resp)
	assert.Equal(t, acme.ErrUnsupportedIdentifier, problem.Message)
	assert.Equal(t, "could not process order", problem.Detail)
}

func TestNewOrderEmptyIdentifierList(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)

	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t),
		map[string]interface{}{"identifiers": []model.Identifier{}}, key, kid)
	resp := env.orders.New(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	problem := problemFrom(t, resp)
	assert.Equal(t, acme.ErrMalformed, problem.Message)
	assert.Equal(t, "could not process order", problem.Detail)
}

func TestNewOrderUnsupportedIdentifierType(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)

	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t),
		map[string]interface{}{"identifiers": []model.Identifier{{Type: "ip", Value: "192.0.2.1"}}}, key, kid)
	resp := env.orders.New(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, acme.ErrUnsupportedIdentifier, problemFrom(t, resp).Message)
}

func TestNewOrderTNAuthListGated(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)
	identifiers := []model.Identifier{{Type: "TNAuthList", Value: "MAigBhYEMTIzNA"}}

	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t),
		map[string]interface{}{"identifiers": identifiers}, key, kid)
	resp := env.orders.New(context.Background(), content)
	assert.Equal(t, 400, resp.Code, "TNAuthList must be refused while support is off")
	assert.Equal(t, acme.ErrUnsupportedIdentifier, problemFrom(t, resp).Message)

	env.cfg.TNAuthListSupport = true
	content = signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t),
		map[string]interface{}{"identifiers": identifiers}, key, kid)
	resp = env.orders.New(context.Background(), content)
	assert.Equal(t, 201, resp.Code)
}

func TestOrderPoll(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)
	orderName, authzURLs := createOrder(t, env, key, kid, "poll.example.com")

	orderURL := testExternalURL + acme.PathOrder + orderName
	content := signJWS(t, orderURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.orders.Parse(context.Background(), content)

	require.Equal(t, 200, resp.Code)
	assert.Equal(t, orderURL, resp.Header["Location"])
	assert.NotEmpty(t, resp.Header["Replay-Nonce"])

	data := responseData(t, resp)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, orderURL+"/finalize", data["finalize"])
	assert.Len(t, data["authorizations"], len(authzURLs))
	_, hasCertificate := data["certificate"]
	assert.False(t, hasCertificate, "no certificate before finalize")
}

func TestOrderPollOmitsUnsetValidityWindow(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)
	orderName, _ := createOrder(t, env, key, kid, "window.example.com")

	orderURL := testExternalURL + acme.PathOrder + orderName
	content := signJWS(t, orderURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.orders.Parse(context.Background(), content)
	require.Equal(t, 200, resp.Code)

	data := responseData(t, resp)
	_, hasNotBefore := data["notBefore"]
	assert.False(t, hasNotBefore, "unset notBefore must not be serialized")
	_, hasNotAfter := data["notAfter"]
	assert.False(t, hasNotAfter, "unset notAfter must not be serialized")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`, data["expires"])
}

func TestOrderValidityWindowRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)

	payload := map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: "window.example.com"}},
		"notBefore":   "2026-09-01T00:00:00Z",
		"notAfter":    "2026-10-01T12:30:45Z",
	}
	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t), payload, key, kid)
	resp := env.orders.New(ctx, content)
	require.Equal(t, 201, resp.Code)
	orderName := resp.Header["Location"][len(testExternalURL+acme.PathOrder):]

	orderURL := testExternalURL + acme.PathOrder + orderName
	content = signJWS(t, orderURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	pollResp := env.orders.Parse(ctx, content)
	require.Equal(t, 200, pollResp.Code)

	data := responseData(t, pollResp)
	assert.Equal(t, "2026-09-01T00:00:00Z", data["notBefore"])
	assert.Equal(t, "2026-10-01T12:30:45Z", data["notAfter"])
}

func TestOrderFinalizeWithoutCSR(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)
	orderName, _ := createOrder(t, env, key, kid, "fin.example.com")

	finalizeURL := testExternalURL + acme.PathOrder + orderName + "/finalize"
	content := signJWS(t, finalizeURL, env.mintNonce(t), map[string]interface{}{"foo": "bar"}, key, kid)
	resp := env.orders.Parse(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	problem := problemFrom(t, resp)
	assert.Equal(t, acme.ErrBadCSR, problem.Message)
	assert.Equal(t, "csr is missing in payload", problem.Detail)
}

func TestOrderFinalizeUnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)

	finalizeURL := testExternalURL + acme.PathOrder + "missing/finalize"
	content := signJWS(t, finalizeURL, env.mintNonce(t), map[string]interface{}{"csr": "AAAA"}, key, kid)
	resp := env.orders.Parse(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	problem := problemFrom(t, resp)
	assert.Equal(t, acme.ErrBadCSR, problem.Message)
	assert.Equal(t, "enrollment failed", problem.Detail)
}
