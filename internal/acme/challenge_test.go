package acme_test

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbrinnel/acme2certifier/internal/acme"
	"github.com/vbrinnel/acme2certifier/internal/model"
)

type stubFetcher struct {
	body string
	err  error
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (string, error) {
	return f.body, f.err
}

type stubResolver struct {
	records []string
	err     error
}

func (r *stubResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.records, r.err
}

// pollChallenges runs an authorization poll and returns the challenge
// URLs by type.
func pollChallenges(t *testing.T, env *testEnv, key interface{}, kid string, authzURL string) map[string]string {
	t.Helper()
	content := signJWS(t, authzURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.authzs.NewPost(context.Background(), content)
	require.Equal(t, 200, resp.Code)

	urls := map[string]string{}
	for _, raw := range responseData(t, resp)["challenges"].([]interface{}) {
		challenge := raw.(map[string]interface{})
		urls[challenge["type"].(string)] = challenge["url"].(string)
	}
	return urls
}

func keyAuthorization(t *testing.T, env *testEnv, chalURL string, pub interface{}) (string, string) {
	t.Helper()
	name := chalURL[len(testExternalURL+acme.PathChallenge):]
	challenge, err := env.store.GetChallenge(context.Background(), name)
	require.NoError(t, err)
	require.NotNil(t, challenge)

	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	require.NoError(t, err)
	return name, challenge.Token + "." + base64.RawURLEncoding.EncodeToString(thumbprint)
}

func TestChallengeHTTPValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)
	_, authzURLs := createOrder(t, env, key, kid, "http.example.com")
	urls := pollChallenges(t, env, key, kid, authzURLs[0])

	chalURL := urls["http-01"]
	require.NotEmpty(t, chalURL)
	name, keyAuth := keyAuthorization(t, env, chalURL, key.Public())

	env.chals.WithValidators(&stubFetcher{body: keyAuth + "\n"}, nil)

	content := signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.chals.Parse(ctx, content)
	require.Equal(t, 200, resp.Code)
	assert.Equal(t, "<"+testExternalURL+acme.PathAuthz+">;rel=\"up\"", resp.Header["Link"])

	data := responseData(t, resp)
	assert.Equal(t, chalURL, data["url"])
	assert.Equal(t, "valid", data["status"])
	assert.NotEmpty(t, data["validated"])

	challenge, err := env.store.GetChallenge(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, challenge.Status)

	authz, err := env.store.GetAuthorization(ctx, challenge.AuthorizationID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, authz.Status)
}

func TestChallengeHTTPValidationWrongBody(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)
	_, authzURLs := createOrder(t, env, key, kid, "wrong.example.com")
	urls := pollChallenges(t, env, key, kid, authzURLs[0])

	chalURL := urls["http-01"]
	name, _ := keyAuthorization(t, env, chalURL, key.Public())

	env.chals.WithValidators(&stubFetcher{body: "something else"}, nil)

	content := signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.chals.Parse(ctx, content)
	require.Equal(t, 200, resp.Code)
	assert.Equal(t, "pending", responseData(t, resp)["status"], "failed validation leaves the challenge pending")

	challenge, err := env.store.GetChallenge(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, challenge.Status)
}

func TestChallengeDNSValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)
	_, authzURLs := createOrder(t, env, key, kid, "dns.example.com")
	urls := pollChallenges(t, env, key, kid, authzURLs[0])

	chalURL := urls["dns-01"]
	require.NotEmpty(t, chalURL)
	_, keyAuth := keyAuthorization(t, env, chalURL, key.Public())
	digest := sha256.Sum256([]byte(keyAuth))
	record := base64.RawURLEncoding.EncodeToString(digest[:])

	env.chals.WithValidators(&stubFetcher{err: errors.New("unreachable")}, &stubResolver{records: []string{"unrelated", record}})

	content := signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.chals.Parse(ctx, content)
	require.Equal(t, 200, resp.Code)
	assert.Equal(t, "valid", responseData(t, resp)["status"])
}

func TestChallengeUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, key, kid := registerAccount(t, env)

	chalURL := testExternalURL + acme.PathChallenge + "ghost"
	content := signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp := env.chals.Parse(context.Background(), content)

	assert.Equal(t, 400, resp.Code)
	problem := problemFrom(t, resp)
	assert.Equal(t, acme.ErrMalformed, problem.Message)
	assert.Equal(t, "invalid challenge: ghost", problem.Detail)
}

func TestChallengeTkauthPayloadChecks(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.TNAuthListSupport = true
	ctx := context.Background()

	_, key, kid := registerAccount(t, env)

	identifiers := map[string]interface{}{
		"identifiers": []map[string]string{{"type": "TNAuthList", "value": "MAigBhYEMTIzNA"}},
	}
	content := signJWS(t, testExternalURL+acme.PathNewOrder, env.mintNonce(t), identifiers, key, kid)
	resp := env.orders.New(ctx, content)
	require.Equal(t, 201, resp.Code)
	authzURL := responseData(t, resp)["authorizations"].([]interface{})[0].(string)
	urls := pollChallenges(t, env, key, kid, authzURL)
	chalURL := urls["tkauth-01"]
	require.NotEmpty(t, chalURL)

	// Missing atc claim
	content = signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{}, key, kid)
	resp = env.chals.Parse(ctx, content)
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, "atc claim is missing", problemFrom(t, resp).Detail)

	// Empty atc claim
	content = signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{"atc": ""}, key, kid)
	resp = env.chals.Parse(ctx, content)
	assert.Equal(t, 400, resp.Code)
	assert.Equal(t, "SPC token is missing", problemFrom(t, resp).Detail)

	// Valid SPC token validates the challenge
	content = signJWS(t, chalURL, env.mintNonce(t), map[string]interface{}{"atc": "spc-token"}, key, kid)
	resp = env.chals.Parse(ctx, content)
	require.Equal(t, 200, resp.Code)
	data := responseData(t, resp)
	assert.Equal(t, "valid", data["status"])
	assert.True(t, strings.HasSuffix(data["url"].(string), chalURL[len(testExternalURL):]))
}
