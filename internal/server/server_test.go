package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

const serverTestURL = "https://acme.test"

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		ExternalURL:     serverTestURL,
		NonceTTLMinutes: 30,
		OrderExpiryDays: 2,
		AuthzExpiryDays: 1,
		TOSURL:          serverTestURL + "/terms",
	}
	engine := NewEngine(storage.NewMemoryStorage(), nil, cfg)

	e := echo.New()
	ApplyCommonMiddleware(e, zap.NewNop())
	SetupRouter(e, engine)
	return e
}

func doRequest(e *echo.Echo, method string, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if method == http.MethodPost {
		req.Header.Set(echo.HeaderContentType, "application/jose+json")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRootEndpoint(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "acme2certifier is running")
}

func TestDirectoryEndpoint(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/acme/directory", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var directory map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &directory))
	assert.Equal(t, serverTestURL+"/acme/newnonce", directory["newNonce"])
	assert.Equal(t, serverTestURL+"/acme/newaccount", directory["newAccount"])
	assert.Equal(t, serverTestURL+"/acme/neworder", directory["newOrder"])
	assert.Equal(t, serverTestURL+"/acme/revokecert", directory["revokeCert"])
	assert.Equal(t, serverTestURL+"/acme/key-change", directory["keyChange"])

	meta, ok := directory["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, serverTestURL+"/terms", meta["termsOfService"])
}

func TestNewNonceHead(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, http.MethodHead, "/acme/newnonce", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Replay-Nonce"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "<"+serverTestURL+"/acme/directory>;rel=\"index\"", rec.Header().Get("Link"))
}

func TestNewNonceGet(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, http.MethodGet, "/acme/newnonce", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Replay-Nonce"))

	second := doRequest(e, http.MethodGet, "/acme/newnonce", "")
	assert.NotEqual(t, rec.Header().Get("Replay-Nonce"), second.Header().Get("Replay-Nonce"))
}

func TestNewAccountOverHTTP(t *testing.T) {
	e := newTestServer(t)

	nonceRec := doRequest(e, http.MethodHead, "/acme/newnonce", "")
	require.Equal(t, http.StatusNoContent, nonceRec.Code)
	nonce := nonceRec.Header().Get("Replay-Nonce")
	require.NotEmpty(t, nonce)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	payload, err := json.Marshal(map[string]interface{}{
		"contact":              []string{"mailto:hostmaster@example.com"},
		"termsOfServiceAgreed": true,
	})
	require.NoError(t, err)

	opts := jose.SignerOptions{EmbedJWK: true}
	opts.WithHeader("nonce", nonce)
	opts.WithHeader("url", serverTestURL+"/acme/newaccount")
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.ES256, Key: key}, &opts)
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)

	rec := doRequest(e, http.MethodPost, "/acme/newaccount", jws.FullSerialize())
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), serverTestURL+"/acme/acct/"))
	assert.NotEmpty(t, rec.Header().Get("Replay-Nonce"))
}

func TestProblemDocumentContentType(t *testing.T) {
	e := newTestServer(t)

	rec := doRequest(e, http.MethodPost, "/acme/newaccount", "not a jws")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))

	var problem map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, float64(http.StatusBadRequest), problem["status"])
	assert.Contains(t, problem["message"], "urn:ietf:params:acme:error:malformed")
}
