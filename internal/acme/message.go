package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"net/url"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// Signature algorithms accepted on inbound envelopes. RSA and EC only.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// Protected is the decoded protected header of a signed request.
type Protected struct {
	Alg   string
	Nonce string
	URL   string
	Kid   string
	JWK   *jose.JSONWebKey
}

// MessageResult is what a successful authentication check yields: the
// decoded header, the verified payload bytes, and the resolved account
// name (empty for requests allowed to proceed without one).
type MessageResult struct {
	Protected   Protected
	Payload     []byte
	AccountName string
}

// MessageVerifier authenticates signed request envelopes: decode, nonce
// consumption, identity resolution, signature verification. Every manager
// runs requests through Check before acting.
type MessageVerifier struct {
	store       storage.Storage
	nonce       *NonceManager
	externalURL string
}

// NewMessageVerifier creates a MessageVerifier.
func NewMessageVerifier(store storage.Storage, nonce *NonceManager, externalURL string) *MessageVerifier {
	return &MessageVerifier{store: store, nonce: nonce, externalURL: externalURL}
}

// Check runs the full authentication state machine over a raw envelope.
func (m *MessageVerifier) Check(ctx context.Context, content string) (*MessageResult, *Problem) {
	jws, err := jose.ParseSigned(content, allowedAlgorithms)
	if err != nil {
		return nil, newProblem(400, ErrMalformed, err.Error())
	}
	if len(jws.Signatures) != 1 {
		return nil, newProblem(400, ErrMalformed, "expected exactly one signature")
	}
	hdr := jws.Signatures[0].Protected

	if p := m.nonce.CheckAndDelete(ctx, hdr.Nonce); p != nil {
		return nil, p
	}

	urlValue, _ := hdr.ExtraHeaders["url"].(string)
	protected := Protected{
		Alg:   hdr.Algorithm,
		Nonce: hdr.Nonce,
		URL:   urlValue,
		Kid:   hdr.KeyID,
		JWK:   hdr.JSONWebKey,
	}

	accountName := ""
	if hdr.KeyID != "" {
		accountName = m.AccountNameFromKid(hdr.KeyID)
	}

	verifyKey := hdr.JSONWebKey
	if accountName != "" {
		acc, err := m.store.GetAccount(ctx, accountName)
		if err != nil {
			logger.Error("account lookup failed", zap.Error(err), zap.String("account", accountName))
			return nil, newProblem(500, ErrServerInternal, "account lookup failed")
		}
		if acc == nil {
			return nil, newProblem(403, ErrAccountDoesNotExist, "")
		}
		storedKey := &jose.JSONWebKey{}
		if err := storedKey.UnmarshalJSON([]byte(acc.PublicKeyJWK)); err != nil {
			logger.Error("stored account key unreadable", zap.Error(err), zap.String("account", accountName))
			return nil, newProblem(500, ErrServerInternal, "account key could not be loaded")
		}
		verifyKey = storedKey
	} else if hdr.JSONWebKey == nil || !m.embeddedKeyAllowed(urlValue) {
		// An embedded key carries no account identity; only account
		// creation and certificate revocation may proceed without one.
		return nil, newProblem(403, ErrAccountDoesNotExist, "")
	} else if targetsRevokeCert(urlValue) {
		// Revocation requests keyed by an embedded account key still
		// resolve the signer's account for the ownership checks.
		accountName = m.accountNameFromJWK(ctx, hdr.JSONWebKey)
	}

	if p := checkKeyType(verifyKey); p != nil {
		return nil, p
	}

	payload, err := jws.Verify(verifyKey)
	if err != nil {
		return nil, newProblem(403, ErrMalformed, "signature verification failed")
	}

	return &MessageResult{Protected: protected, Payload: payload, AccountName: accountName}, nil
}

// CheckInner authenticates an inner JWS (key-rollover) against its own
// embedded key. Nonce handling is the outer envelope's business.
func (m *MessageVerifier) CheckInner(content string) (*MessageResult, *Problem) {
	jws, err := jose.ParseSigned(content, allowedAlgorithms)
	if err != nil {
		return nil, newProblem(400, ErrMalformed, err.Error())
	}
	if len(jws.Signatures) != 1 {
		return nil, newProblem(400, ErrMalformed, "expected exactly one signature")
	}
	hdr := jws.Signatures[0].Protected
	if hdr.JSONWebKey == nil {
		return nil, newProblem(400, ErrMalformed, "inner jws is missing jwk")
	}
	if p := checkKeyType(hdr.JSONWebKey); p != nil {
		return nil, p
	}
	payload, err := jws.Verify(hdr.JSONWebKey)
	if err != nil {
		return nil, newProblem(403, ErrMalformed, "signature verification failed")
	}
	urlValue, _ := hdr.ExtraHeaders["url"].(string)
	protected := Protected{
		Alg:   hdr.Algorithm,
		Nonce: hdr.Nonce,
		URL:   urlValue,
		Kid:   hdr.KeyID,
		JWK:   hdr.JSONWebKey,
	}
	return &MessageResult{Protected: protected, Payload: payload}, nil
}

// AccountNameFromKid resolves an account name from a key-id URL. The kid
// must be this server's account endpoint followed by exactly one path
// segment; anything else yields no identity.
func (m *MessageVerifier) AccountNameFromKid(kid string) string {
	if _, err := url.Parse(kid); err != nil {
		return ""
	}
	prefix := m.externalURL + PathAccount
	if !strings.HasPrefix(kid, prefix) {
		return ""
	}
	name := strings.TrimPrefix(kid, prefix)
	if name == "" || strings.Contains(name, "/") {
		return ""
	}
	return name
}

// accountNameFromJWK resolves the account registered under the given
// key. Unknown keys yield no identity.
func (m *MessageVerifier) accountNameFromJWK(ctx context.Context, jwk *jose.JSONWebKey) string {
	jwkJSON, err := jwk.MarshalJSON()
	if err != nil {
		return ""
	}
	account, err := m.store.GetAccountByJWK(ctx, string(jwkJSON))
	if err != nil {
		logger.Error("account lookup failed", zap.Error(err))
		return ""
	}
	if account == nil {
		return ""
	}
	return account.ID
}

// embeddedKeyAllowed reports whether the target endpoint may be called
// with an embedded JWK and no resolved account.
func (m *MessageVerifier) embeddedKeyAllowed(urlValue string) bool {
	u, err := url.Parse(urlValue)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, PathNewAccount) || targetsRevokeCert(urlValue)
}

func targetsRevokeCert(urlValue string) bool {
	u, err := url.Parse(urlValue)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, PathRevokeCert)
}

// checkKeyType restricts verification keys to RSA and EC material.
func checkKeyType(jwk *jose.JSONWebKey) *Problem {
	if jwk == nil || jwk.Key == nil {
		return newProblem(403, ErrMalformed, "no key material found")
	}
	switch jwk.Key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return nil
	default:
		return newProblem(403, ErrMalformed, fmt.Sprintf("unsupported public key type %T", jwk.Key))
	}
}
