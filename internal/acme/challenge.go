package acme

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// HTTPFetcher retrieves the body of a key-authorization URL during
// http-01 validation.
type HTTPFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// DNSResolver looks up TXT records during dns-01 validation.
type DNSResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type defaultHTTPFetcher struct {
	client *http.Client
}

func (f *defaultHTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type defaultDNSResolver struct {
	resolver *net.Resolver
}

func (r *defaultDNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return r.resolver.LookupTXT(ctx, name)
}

// ChallengeManager creates challenges and validates them on POST.
type ChallengeManager struct {
	store       storage.Storage
	msg         *MessageVerifier
	nonce       *NonceManager
	externalURL string
	cfg         *config.Config
	fetcher     HTTPFetcher
	resolver    DNSResolver
}

// NewChallengeManager creates a ChallengeManager with network-backed
// http-01 and dns-01 validators.
func NewChallengeManager(store storage.Storage, msg *MessageVerifier, nonce *NonceManager, cfg *config.Config) *ChallengeManager {
	return &ChallengeManager{
		store:       store,
		msg:         msg,
		nonce:       nonce,
		externalURL: cfg.ExternalURL,
		cfg:         cfg,
		fetcher:     &defaultHTTPFetcher{client: &http.Client{Timeout: 10 * time.Second}},
		resolver:    &defaultDNSResolver{resolver: &net.Resolver{}},
	}
}

// WithValidators swaps the http-01 and dns-01 validators. Nil arguments
// keep the current one.
func (c *ChallengeManager) WithValidators(fetcher HTTPFetcher, resolver DNSResolver) *ChallengeManager {
	if fetcher != nil {
		c.fetcher = fetcher
	}
	if resolver != nil {
		c.resolver = resolver
	}
	return c
}

// challengeInfo is the challenge representation returned to clients.
type challengeInfo struct {
	Type       string `json:"type,omitempty"`
	TkauthType string `json:"tkauth-type,omitempty"`
	URL        string `json:"url,omitempty"`
	Status     string `json:"status,omitempty"`
	Token      string `json:"token,omitempty"`
	Validated  string `json:"validated,omitempty"`
}

// New creates a single challenge for an authorization. A tkauth-01
// challenge carries the atc tkauth-type.
func (c *ChallengeManager) New(ctx context.Context, authzName string, chalType string, token string) challengeInfo {
	name := newName()
	challenge := &model.Challenge{
		ID:              name,
		AuthorizationID: authzName,
		Type:            chalType,
		Status:          model.StatusPending,
		Token:           token,
	}
	if chalType == "tkauth-01" {
		challenge.TkauthType = "atc"
	}
	if err := c.store.SaveChallenge(ctx, challenge); err != nil {
		logger.Error("challenge creation failed", zap.String("authorization", authzName), zap.Error(err))
		return challengeInfo{}
	}
	return challengeInfo{
		URL:        c.externalURL + PathChallenge + name,
		Token:      token,
		Type:       chalType,
		TkauthType: challenge.TkauthType,
	}
}

// NewSet creates the challenge set for an authorization. A TNAuthList
// identifier gets a single tkauth-01 challenge, everything else gets
// http-01 and dns-01.
func (c *ChallengeManager) NewSet(ctx context.Context, authzName string, token string, tnauth bool) []challengeInfo {
	if tnauth {
		return []challengeInfo{c.New(ctx, authzName, "tkauth-01", token)}
	}
	return []challengeInfo{
		c.New(ctx, authzName, "http-01", token),
		c.New(ctx, authzName, "dns-01", token),
	}
}

// Parse handles a POST to a challenge URL and triggers validation.
func (c *ChallengeManager) Parse(ctx context.Context, content string) Response {
	result, p := c.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}
	if result.Protected.URL == "" {
		return errorResponse(newProblem(400, ErrMalformed, "url missing in protected header"))
	}

	name := c.nameFromURL(result.Protected.URL)
	if name == "" {
		return errorResponse(newProblem(400, ErrMalformed, "could not get challenge"))
	}

	info, found := c.info(ctx, name)
	if c.cfg.TNAuthListSupport {
		if p := c.validateTNAuthListPayload(result.Payload, info, name, found); p != nil {
			return errorResponse(p)
		}
	}
	if !found {
		return errorResponse(newProblem(400, ErrMalformed, "invalid challenge: "+name))
	}

	if c.Check(ctx, name, result.Payload) {
		if err := c.markValid(ctx, name); err != nil {
			logger.Error("challenge update failed", zap.String("challenge", name), zap.Error(err))
		}
		info, _ = c.info(ctx, name)
	}
	info.URL = result.Protected.URL

	header := map[string]string{
		"Link": "<" + c.externalURL + PathAuthz + ">;rel=\"up\"",
	}
	c.nonce.headerWithNonce(ctx, header)
	return Response{Code: 200, Header: header, Data: info}
}

// info returns the client view of a challenge and whether it exists.
func (c *ChallengeManager) info(ctx context.Context, name string) (challengeInfo, bool) {
	challenge, err := c.store.GetChallenge(ctx, name)
	if err != nil {
		logger.Error("challenge lookup failed", zap.String("challenge", name), zap.Error(err))
		return challengeInfo{}, false
	}
	if challenge == nil {
		return challengeInfo{}, false
	}
	info := challengeInfo{
		Type:       challenge.Type,
		TkauthType: challenge.TkauthType,
		Status:     challenge.Status,
		Token:      challenge.Token,
	}
	if !challenge.Validated.IsZero() {
		info.Validated = formatTime(challenge.Validated)
	}
	return info, true
}

// validateTNAuthListPayload checks the atc claim of a tkauth-01 POST.
func (c *ChallengeManager) validateTNAuthListPayload(payload []byte, info challengeInfo, name string, found bool) *Problem {
	if !found {
		return newProblem(400, ErrMalformed, "invalid challenge: "+name)
	}
	if info.Type != "tkauth-01" {
		return nil
	}

	var fields map[string]interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return newProblem(400, ErrMalformed, "atc claim is missing")
		}
	}
	atc, ok := fields["atc"]
	if !ok {
		return newProblem(400, ErrMalformed, "atc claim is missing")
	}
	if token, _ := atc.(string); token == "" {
		return newProblem(400, ErrMalformed, "SPC token is missing")
	}
	return nil
}

// Check validates a challenge against the identifier it covers. It
// fails closed on any lookup or key failure.
func (c *ChallengeManager) Check(ctx context.Context, name string, payload []byte) bool {
	challenge, err := c.store.GetChallenge(ctx, name)
	if err != nil || challenge == nil {
		return false
	}
	authz, err := c.store.GetAuthorization(ctx, challenge.AuthorizationID)
	if err != nil || authz == nil {
		return false
	}
	var identifier model.Identifier
	if err := json.Unmarshal([]byte(authz.IdentifierJSON), &identifier); err != nil {
		return false
	}

	thumbprint, ok := c.accountThumbprint(ctx, authz.OrderID)
	if !ok {
		return false
	}

	switch challenge.Type {
	case "http-01":
		return c.validateHTTP(ctx, identifier.Value, challenge.Token, thumbprint)
	case "dns-01":
		return c.validateDNS(ctx, identifier.Value, challenge.Token, thumbprint)
	case "tkauth-01":
		return c.cfg.TNAuthListSupport && c.validateTkauth(identifier.Value, challenge.Token, thumbprint, payload)
	default:
		return false
	}
}

// accountThumbprint resolves the SHA-256 JWK thumbprint of the account
// that owns the given order.
func (c *ChallengeManager) accountThumbprint(ctx context.Context, orderName string) (string, bool) {
	order, err := c.store.GetOrder(ctx, orderName)
	if err != nil || order == nil {
		return "", false
	}
	account, err := c.store.GetAccount(ctx, order.AccountID)
	if err != nil || account == nil {
		return "", false
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON([]byte(account.PublicKeyJWK)); err != nil {
		return "", false
	}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", false
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), true
}

// validateHTTP fetches the well-known key-authorization resource and
// compares it against the expected token.thumbprint value.
func (c *ChallengeManager) validateHTTP(ctx context.Context, fqdn string, token string, thumbprint string) bool {
	body, err := c.fetcher.Fetch(ctx, "http://"+fqdn+"/.well-known/acme-challenge/"+token)
	if err != nil {
		logger.Info("http-01 validation failed", zap.String("fqdn", fqdn), zap.Error(err))
		return false
	}
	return strings.TrimSpace(body) == token+"."+thumbprint
}

// validateDNS compares the TXT record at the validation domain against
// the base64url SHA-256 digest of the key authorization.
func (c *ChallengeManager) validateDNS(ctx context.Context, fqdn string, token string, thumbprint string) bool {
	digest := sha256.Sum256([]byte(token + "." + thumbprint))
	expected := base64.RawURLEncoding.EncodeToString(digest[:])

	records, err := c.resolver.LookupTXT(ctx, "_acme-challenge."+fqdn)
	if err != nil {
		logger.Info("dns-01 validation failed", zap.String("fqdn", fqdn), zap.Error(err))
		return false
	}
	for _, record := range records {
		if strings.TrimSpace(record) == expected {
			return true
		}
	}
	return false
}

// validateTkauth accepts the SPC token as presented. The payload checks
// happen in validateTNAuthListPayload and the type is additionally gated
// on TNAuthList support.
func (c *ChallengeManager) validateTkauth(value string, token string, thumbprint string, payload []byte) bool {
	return true
}

// markValid flips the challenge and its authorization to valid.
func (c *ChallengeManager) markValid(ctx context.Context, name string) error {
	challenge, err := c.store.GetChallenge(ctx, name)
	if err != nil || challenge == nil {
		return err
	}
	challenge.Status = model.StatusValid
	challenge.Validated = time.Now().UTC()
	if err := c.store.SaveChallenge(ctx, challenge); err != nil {
		return err
	}

	authz, err := c.store.GetAuthorization(ctx, challenge.AuthorizationID)
	if err != nil || authz == nil {
		return err
	}
	authz.Status = model.StatusValid
	return c.store.SaveAuthorization(ctx, authz)
}

// nameFromURL extracts the challenge name from a challenge URL.
func (c *ChallengeManager) nameFromURL(url string) string {
	name := url
	if idx := strings.Index(name, PathChallenge); idx >= 0 {
		name = name[idx+len(PathChallenge):]
	}
	if idx := strings.IndexAny(name, "?/"); idx >= 0 {
		name = name[:idx]
	}
	return name
}
