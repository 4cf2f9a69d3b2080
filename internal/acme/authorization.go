package acme

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// AuthorizationManager serves authorization resources and materializes
// their challenge sets on first poll.
type AuthorizationManager struct {
	store       storage.Storage
	msg         *MessageVerifier
	nonce       *NonceManager
	challenges  *ChallengeManager
	externalURL string
	cfg         *config.Config
}

// NewAuthorizationManager creates an AuthorizationManager.
func NewAuthorizationManager(store storage.Storage, msg *MessageVerifier, nonce *NonceManager, challenges *ChallengeManager, cfg *config.Config) *AuthorizationManager {
	return &AuthorizationManager{
		store:       store,
		msg:         msg,
		nonce:       nonce,
		challenges:  challenges,
		externalURL: cfg.ExternalURL,
		cfg:         cfg,
	}
}

// authzInfo is the authorization representation returned to clients.
type authzInfo struct {
	Identifier model.Identifier `json:"identifier"`
	Status     string           `json:"status,omitempty"`
	Expires    string           `json:"expires,omitempty"`
	Challenges []challengeInfo  `json:"challenges,omitempty"`
}

// NewPost handles a POST to an authorization URL.
func (a *AuthorizationManager) NewPost(ctx context.Context, content string) Response {
	result, p := a.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}
	if result.Protected.URL == "" {
		return errorResponse(newProblem(400, ErrMalformed, "url is missing in protected"))
	}

	info := a.authzInfo(ctx, result.Protected.URL)
	if info == nil {
		return errorResponse(newProblem(403, ErrUnauthorized, "authorizations lookup failed"))
	}

	header := map[string]string{}
	a.nonce.headerWithNonce(ctx, header)
	return Response{Code: 200, Header: header, Data: info}
}

// authzInfo resolves the authorization behind the URL. The token,
// expiry and challenge set are created on first access.
func (a *AuthorizationManager) authzInfo(ctx context.Context, url string) *authzInfo {
	name := a.nameFromURL(url)
	if name == "" {
		return nil
	}

	authz, err := a.store.GetAuthorization(ctx, name)
	if err != nil {
		logger.Error("authorization lookup failed", zap.String("authorization", name), zap.Error(err))
		return nil
	}
	if authz == nil {
		return nil
	}

	if authz.Token == "" {
		token, err := newToken()
		if err != nil {
			logger.Error("token generation failed", zap.String("authorization", name), zap.Error(err))
			return nil
		}
		authz.Token = token
		authz.Expires = time.Now().UTC().Add(time.Duration(a.cfg.AuthzExpiryDays) * 24 * time.Hour)
		if err := a.store.SaveAuthorization(ctx, authz); err != nil {
			logger.Error("authorization update failed", zap.String("authorization", name), zap.Error(err))
			return nil
		}
	}

	var identifier model.Identifier
	if authz.IdentifierJSON != "" {
		if err := json.Unmarshal([]byte(authz.IdentifierJSON), &identifier); err != nil {
			logger.Warn("unreadable authorization identifier", zap.String("authorization", name))
		}
	}

	info := &authzInfo{
		Identifier: identifier,
		Status:     authz.Status,
		Expires:    formatTime(authz.Expires),
	}

	existing, err := a.store.GetChallengesByAuthorizationID(ctx, name)
	if err != nil {
		logger.Error("challenge lookup failed", zap.String("authorization", name), zap.Error(err))
		return nil
	}
	if len(existing) > 0 {
		for _, challenge := range existing {
			ci := challengeInfo{
				URL:        a.externalURL + PathChallenge + challenge.ID,
				Token:      challenge.Token,
				Type:       challenge.Type,
				TkauthType: challenge.TkauthType,
				Status:     challenge.Status,
			}
			if !challenge.Validated.IsZero() {
				ci.Validated = formatTime(challenge.Validated)
			}
			info.Challenges = append(info.Challenges, ci)
		}
	} else {
		tnauth := identifier.Type == "TNAuthList"
		info.Challenges = a.challenges.NewSet(ctx, name, authz.Token, tnauth)
	}
	return info
}

// nameFromURL extracts the authorization name from an authorization URL.
func (a *AuthorizationManager) nameFromURL(url string) string {
	name := url
	if idx := strings.Index(name, PathAuthz); idx >= 0 {
		name = name[idx+len(PathAuthz):]
	}
	if idx := strings.IndexAny(name, "?/"); idx >= 0 {
		name = name[:idx]
	}
	return name
}
