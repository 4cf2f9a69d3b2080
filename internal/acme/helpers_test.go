package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/vbrinnel/acme2certifier/internal/acme"
	"github.com/vbrinnel/acme2certifier/internal/ca"
	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

const testExternalURL = "https://acme.test"

func newTestConfig() *config.Config {
	return &config.Config{
		ExternalURL:     testExternalURL,
		StorageType:     "memory",
		NonceTTLMinutes: 30,
		OrderExpiryDays: 2,
		AuthzExpiryDays: 1,
	}
}

type testEnv struct {
	store    storage.Storage
	cfg      *config.Config
	nonces   *acme.NonceManager
	msg      *acme.MessageVerifier
	accounts *acme.AccountManager
	orders   *acme.OrderManager
	authzs   *acme.AuthorizationManager
	chals    *acme.ChallengeManager
	certs    *acme.CertificateManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, nil)
}

// newTestEnvWithCA wires a local CA backend over a pre-seeded ECDSA CA
// keypair so enrollment works without the cost of CA generation.
func newTestEnvWithCA(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	seedTestCA(t, store)

	cfg := newTestConfig()
	cfg.CABackend = "local"
	backend, err := ca.NewBackend(cfg, store)
	require.NoError(t, err)
	return buildTestEnvWith(t, cfg, store, backend)
}

func buildTestEnv(t *testing.T, backend ca.Backend) *testEnv {
	t.Helper()
	return buildTestEnvWith(t, newTestConfig(), storage.NewMemoryStorage(), backend)
}

func buildTestEnvWith(t *testing.T, cfg *config.Config, store storage.Storage, backend ca.Backend) *testEnv {
	t.Helper()
	nonces := acme.NewNonceManager(store, time.Duration(cfg.NonceTTLMinutes)*time.Minute)
	msg := acme.NewMessageVerifier(store, nonces, cfg.ExternalURL)
	certs := acme.NewCertificateManager(store, msg, nonces, backend, cfg)
	chals := acme.NewChallengeManager(store, msg, nonces, cfg)
	return &testEnv{
		store:    store,
		cfg:      cfg,
		nonces:   nonces,
		msg:      msg,
		accounts: acme.NewAccountManager(store, msg, nonces, cfg),
		orders:   acme.NewOrderManager(store, msg, nonces, certs, cfg),
		authzs:   acme.NewAuthorizationManager(store, msg, nonces, chals, cfg),
		chals:    chals,
		certs:    certs,
	}
}

// seedTestCA stores an ECDSA CA keypair for the local backend to load.
func seedTestCA(t *testing.T, store storage.Storage) {
	t.Helper()
	ctx := context.Background()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, key.Public(), key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	require.NoError(t, store.SaveCAPrivateKey(ctx, keyPEM))
	require.NoError(t, store.SaveCACertificate(ctx, certPEM))
}

func (e *testEnv) mintNonce(t *testing.T) string {
	t.Helper()
	nonce, err := e.nonces.GenerateAndAdd(context.Background())
	require.NoError(t, err)
	return nonce
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// signJWS builds a flattened JWS the way an ACME client would. With an
// empty kid the public key is embedded in the protected header.
func signJWS(t *testing.T, url string, nonce string, payload interface{}, key interface{}, kid string) string {
	t.Helper()
	return signJWSAlg(t, url, nonce, payload, jose.ES256, key, kid)
}

func signJWSAlg(t *testing.T, url string, nonce string, payload interface{}, alg jose.SignatureAlgorithm, key interface{}, kid string) string {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	opts := jose.SignerOptions{}
	if nonce != "" {
		opts.WithHeader("nonce", nonce)
	}
	if url != "" {
		opts.WithHeader("url", url)
	}

	signingKey := jose.SigningKey{Algorithm: alg, Key: key}
	if kid != "" {
		signingKey.Key = jose.JSONWebKey{Key: key, KeyID: kid}
	} else {
		opts.EmbedJWK = true
	}

	signer, err := jose.NewSigner(signingKey, &opts)
	require.NoError(t, err)
	jws, err := signer.Sign(body)
	require.NoError(t, err)
	return jws.FullSerialize()
}

// registerAccount creates a fresh account and returns its name, key and
// account URL.
func registerAccount(t *testing.T, env *testEnv) (string, *ecdsa.PrivateKey, string) {
	t.Helper()

	key := newTestKey(t)
	payload := map[string]interface{}{
		"contact":              []string{"mailto:hostmaster@example.com"},
		"termsOfServiceAgreed": true,
	}
	content := signJWS(t, testExternalURL+acme.PathNewAccount, env.mintNonce(t), payload, key, "")
	resp := env.accounts.New(context.Background(), content)
	require.Equal(t, 201, resp.Code, "account registration should succeed")

	location := resp.Header["Location"]
	require.NotEmpty(t, location)
	name := location[len(testExternalURL+acme.PathAccount):]
	return name, key, location
}

// createOrder places an order for the given dns identifiers and returns
// the order name and its authorization URLs.
func createOrder(t *testing.T, env *testEnv, key *ecdsa.PrivateKey, kid string, values ...string) (string, []string) {
	t.Helper()

	identifiers := make([]model.Identifier, 0, len(values))
	for _, value := range values {
		identifiers = append(identifiers, model.Identifier{Type: "dns", Value: value})
	}
	payload := map[string]interface{}{"identifiers": identifiers}
	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t), payload, key, kid)
	resp := env.orders.New(context.Background(), content)
	require.Equal(t, 201, resp.Code, "order creation should succeed")

	location := resp.Header["Location"]
	require.NotEmpty(t, location)
	orderName := location[len(testExternalURL+acme.PathOrder):]

	data := responseData(t, resp)
	var authzURLs []string
	for _, raw := range data["authorizations"].([]interface{}) {
		authzURLs = append(authzURLs, raw.(string))
	}
	return orderName, authzURLs
}

// responseData renders a response body as a generic map.
func responseData(t *testing.T, resp acme.Response) map[string]interface{} {
	t.Helper()
	body, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &data))
	return data
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// problemFrom extracts the problem document from an error response.
func problemFrom(t *testing.T, resp acme.Response) *model.ProblemDetails {
	t.Helper()
	problem, ok := resp.Data.(*model.ProblemDetails)
	require.True(t, ok, "expected a problem document, got %T", resp.Data)
	return problem
}
