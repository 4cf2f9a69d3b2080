package acme

import (
	"context"
	"encoding/json"
	"net/mail"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// AccountManager implements newAccount registration, account updates,
// deactivation and key rollover.
type AccountManager struct {
	store       storage.Storage
	msg         *MessageVerifier
	nonce       *NonceManager
	externalURL string
	cfg         *config.Config
}

// NewAccountManager creates an AccountManager backed by the given storage.
func NewAccountManager(store storage.Storage, msg *MessageVerifier, nonce *NonceManager, cfg *config.Config) *AccountManager {
	return &AccountManager{
		store:       store,
		msg:         msg,
		nonce:       nonce,
		externalURL: cfg.ExternalURL,
		cfg:         cfg,
	}
}

// newAccountPayload is the body of a newAccount request.
type newAccountPayload struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
}

// accountUpdatePayload is the body of a POST to an existing account URL.
// Contact is a pointer so an absent key can be told apart from an empty list.
type accountUpdatePayload struct {
	Status  string    `json:"status"`
	Contact *[]string `json:"contact"`
}

// keyChangePayload is the payload of the inner JWS of a key-change request.
type keyChangePayload struct {
	Account string                 `json:"account"`
	OldKey  map[string]interface{} `json:"oldkey"`
}

// accountInfo is the account representation returned to clients.
type accountInfo struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact,omitempty"`
}

// New handles a newAccount request. Registration is idempotent over the
// account key: a key that is already registered yields 200 with the
// existing account location and an empty body.
func (a *AccountManager) New(ctx context.Context, content string) Response {
	result, p := a.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}

	var payload newAccountPayload
	if p := unmarshalPayload(result.Payload, &payload); p != nil {
		return errorResponse(p)
	}

	var code int
	var name string
	if payload.OnlyReturnExisting {
		code, name, p = a.onlyReturnExisting(ctx, result.Protected, &payload)
	} else {
		if p = a.tosCheck(&payload); p == nil {
			if p = a.contactCheck(payload.Contact); p == nil {
				code, name, p = a.add(ctx, result.Protected, payload.Contact)
			}
		}
	}
	if p != nil {
		if p.Detail == "tosfalse" {
			p.Detail = "Terms of service must be accepted"
		}
		return errorResponse(p)
	}

	header := map[string]string{
		"Location": a.externalURL + PathAccount + name,
	}
	a.nonce.headerWithNonce(ctx, header)

	resp := Response{Code: code, Header: header}
	if code == 201 {
		resp.Data = accountInfo{Status: model.StatusValid, Contact: payload.Contact}
	}
	return resp
}

// Parse handles a POST to an existing account URL. The payload decides
// the operation: a deactivation, a contact update, or nothing we know.
func (a *AccountManager) Parse(ctx context.Context, content string) Response {
	result, p := a.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}

	var payload accountUpdatePayload
	if p := unmarshalPayload(result.Payload, &payload); p != nil {
		return errorResponse(p)
	}

	switch {
	case payload.Status != "":
		if payload.Status != model.StatusDeactivated {
			return errorResponse(newProblem(400, ErrMalformed, "status attribute without sense"))
		}
		if p := a.deactivate(ctx, result.AccountName); p != nil {
			return errorResponse(p)
		}
		header := map[string]string{}
		a.nonce.headerWithNonce(ctx, header)
		return Response{Code: 200, Header: header, Data: accountInfo{Status: model.StatusDeactivated}}

	case payload.Contact != nil:
		if p := a.contactsUpdate(ctx, result.AccountName, *payload.Contact); p != nil {
			return errorResponse(p)
		}
		header := map[string]string{}
		a.nonce.headerWithNonce(ctx, header)
		return Response{Code: 200, Header: header, Data: accountInfo{Status: model.StatusValid, Contact: *payload.Contact}}

	default:
		return errorResponse(newProblem(400, ErrMalformed, "dont know what to do with this request"))
	}
}

// KeyChange handles a POST to the key-change URL. The outer JWS carries
// the account identity, the inner JWS is signed with the replacement key.
func (a *AccountManager) KeyChange(ctx context.Context, content string) Response {
	result, p := a.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}

	if p := a.keyChange(ctx, result.AccountName, result.Payload, result.Protected); p != nil {
		return errorResponse(p)
	}

	header := map[string]string{}
	a.nonce.headerWithNonce(ctx, header)
	return Response{Code: 200, Header: header}
}

// tosCheck verifies that the terms of service got accepted. The detail is
// substituted with a client-facing text by the caller.
func (a *AccountManager) tosCheck(payload *newAccountPayload) *Problem {
	if !payload.TermsOfServiceAgreed {
		return newProblem(403, ErrUserActionRequired, "tosfalse")
	}
	return nil
}

// contactCheck validates the contact list of a registration or update.
func (a *AccountManager) contactCheck(contact []string) *Problem {
	if contact == nil {
		return newProblem(400, ErrInvalidContact, "no contacts specified")
	}
	for _, entry := range contact {
		addr := strings.TrimPrefix(entry, "mailto:")
		if _, err := mail.ParseAddress(addr); err != nil {
			return newProblem(400, ErrInvalidContact, entry)
		}
	}
	return nil
}

// add registers the account key, reusing an existing account with the
// same key instead of creating a duplicate.
func (a *AccountManager) add(ctx context.Context, protected Protected, contact []string) (int, string, *Problem) {
	if protected.Alg == "" || protected.JWK == nil {
		return 0, "", newProblem(400, ErrMalformed, "incomplete protected payload")
	}

	jwkJSON, err := protected.JWK.MarshalJSON()
	if err != nil {
		return 0, "", newProblem(500, ErrServerInternal, "account could not be created")
	}

	existing, err := a.store.GetAccountByJWK(ctx, string(jwkJSON))
	if err != nil {
		logger.Error("account lookup failed", zap.Error(err))
		return 0, "", newProblem(500, ErrServerInternal, "account could not be created")
	}
	if existing != nil {
		return 200, existing.ID, nil
	}

	name := newName()
	account := &model.Account{
		ID:           name,
		PublicKeyJWK: string(jwkJSON),
		Alg:          protected.Alg,
		Contact:      contact,
		Status:       model.StatusValid,
	}
	if err := a.store.SaveAccount(ctx, account); err != nil {
		logger.Error("account creation failed", zap.Error(err))
		return 0, "", newProblem(500, ErrServerInternal, "account could not be created")
	}
	return 201, name, nil
}

// onlyReturnExisting looks up an account by its key without registering.
func (a *AccountManager) onlyReturnExisting(ctx context.Context, protected Protected, payload *newAccountPayload) (int, string, *Problem) {
	if !payload.OnlyReturnExisting {
		return 0, "", newProblem(400, ErrUserActionRequired, "onlyReturnExisting must be true")
	}
	if protected.JWK == nil {
		return 0, "", newProblem(400, ErrMalformed, "jwk structure missing")
	}

	jwkJSON, err := protected.JWK.MarshalJSON()
	if err != nil {
		return 0, "", newProblem(400, ErrMalformed, "jwk structure missing")
	}
	account, err := a.store.GetAccountByJWK(ctx, string(jwkJSON))
	if err != nil {
		logger.Error("account lookup failed", zap.Error(err))
		return 0, "", newProblem(500, ErrServerInternal, "account lookup failed")
	}
	if account == nil {
		return 0, "", newProblem(400, ErrAccountDoesNotExist, "")
	}
	return 200, account.ID, nil
}

// deactivate marks the account as deactivated.
func (a *AccountManager) deactivate(ctx context.Context, name string) *Problem {
	account, err := a.store.GetAccount(ctx, name)
	if err != nil || account == nil {
		return newProblem(400, ErrAccountDoesNotExist, "deletion failed")
	}
	account.Status = model.StatusDeactivated
	if err := a.store.SaveAccount(ctx, account); err != nil {
		logger.Error("account deactivation failed", zap.String("account", name), zap.Error(err))
		return newProblem(400, ErrAccountDoesNotExist, "deletion failed")
	}
	return nil
}

// contactsUpdate replaces the contact list of an existing account.
func (a *AccountManager) contactsUpdate(ctx context.Context, name string, contact []string) *Problem {
	if p := a.contactCheck(contact); p != nil {
		return p
	}
	account, err := a.store.GetAccount(ctx, name)
	if err != nil || account == nil {
		return newProblem(400, ErrAccountDoesNotExist, "update failed")
	}
	account.Contact = contact
	if err := a.store.SaveAccount(ctx, account); err != nil {
		logger.Error("contact update failed", zap.String("account", name), zap.Error(err))
		return newProblem(400, ErrAccountDoesNotExist, "update failed")
	}
	return nil
}

// keyChange validates and applies a key rollover.
func (a *AccountManager) keyChange(ctx context.Context, name string, payload []byte, outer Protected) *Problem {
	if outer.URL == "" {
		return newProblem(400, ErrMalformed, "malformed request")
	}
	if !strings.HasSuffix(outer.URL, PathKeyChange) {
		return newProblem(400, ErrMalformed, "malformed request. not a key-change")
	}

	inner, p := a.msg.CheckInner(string(payload))
	if p != nil {
		return p
	}
	var innerPayload keyChangePayload
	if p := unmarshalPayload(inner.Payload, &innerPayload); p != nil {
		return p
	}
	if p := a.keyChangeValidate(ctx, name, outer, inner.Protected, &innerPayload); p != nil {
		return p
	}

	jwkJSON, err := inner.Protected.JWK.MarshalJSON()
	if err != nil {
		return newProblem(500, ErrServerInternal, "key rollover failed")
	}
	account, err := a.store.GetAccount(ctx, name)
	if err != nil || account == nil {
		return newProblem(500, ErrServerInternal, "key rollover failed")
	}
	account.PublicKeyJWK = string(jwkJSON)
	account.Alg = inner.Protected.Alg
	if err := a.store.SaveAccount(ctx, account); err != nil {
		logger.Error("key rollover failed", zap.String("account", name), zap.Error(err))
		return newProblem(500, ErrServerInternal, "key rollover failed")
	}
	return nil
}

// keyChangeValidate runs the rollover checks: the replacement key must be
// fresh, the inner JWS must bind to the outer request and the old key in
// the inner payload must match the account on file.
func (a *AccountManager) keyChangeValidate(ctx context.Context, name string, outer Protected, inner Protected, payload *keyChangePayload) *Problem {
	if inner.JWK == nil {
		return newProblem(400, ErrMalformed, "inner jws is missing jwk")
	}

	jwkJSON, err := inner.JWK.MarshalJSON()
	if err != nil {
		return newProblem(400, ErrMalformed, "inner jws is missing jwk")
	}
	existing, err := a.store.GetAccountByJWK(ctx, string(jwkJSON))
	if err != nil {
		logger.Error("account lookup failed", zap.Error(err))
		return newProblem(500, ErrServerInternal, "key rollover failed")
	}
	if existing != nil {
		return newProblem(400, ErrBadPublicKey, "public key does already exists")
	}

	if p := a.innerJWSCheck(outer, inner); p != nil {
		return p
	}
	return a.innerPayloadCheck(ctx, name, outer, payload)
}

// innerJWSCheck verifies the header binding between inner and outer JWS.
func (a *AccountManager) innerJWSCheck(outer Protected, inner Protected) *Problem {
	if inner.JWK == nil {
		return newProblem(400, ErrMalformed, "inner jws is missing jwk")
	}
	if inner.URL == "" || outer.URL == "" {
		return newProblem(400, ErrMalformed, "inner or outer jws is missing url header parameter")
	}
	if inner.URL != outer.URL {
		return newProblem(400, ErrMalformed, "url parameter differ in inner and outer jws")
	}
	if inner.Nonce != "" && !a.cfg.InnerHeaderNonceOK {
		return newProblem(400, ErrMalformed, "inner jws must omit nonce header")
	}
	return nil
}

// innerPayloadCheck verifies the inner payload against the outer header
// and the account on file.
func (a *AccountManager) innerPayloadCheck(ctx context.Context, name string, outer Protected, payload *keyChangePayload) *Problem {
	if outer.Kid == "" {
		return newProblem(400, ErrMalformed, "kid is missing in outer header")
	}
	if payload.Account == "" {
		return newProblem(400, ErrMalformed, "account object is missing on inner payload")
	}
	if outer.Kid != payload.Account {
		return newProblem(400, ErrMalformed, "kid and account objects do not match")
	}
	if payload.OldKey == nil {
		return newProblem(400, ErrMalformed, "old key is missing")
	}
	return a.keyCompare(ctx, name, payload.OldKey)
}

// keyCompare checks the presented old key against the key stored for the
// account. Signature algorithm names are normalized to their key family
// so ES256 and ECDSA spellings compare equal.
func (a *AccountManager) keyCompare(ctx context.Context, name string, oldKey map[string]interface{}) *Problem {
	account, err := a.store.GetAccount(ctx, name)
	if err != nil || account == nil {
		return newProblem(401, ErrUnauthorized, "wrong public key")
	}

	var storedKey map[string]interface{}
	if err := json.Unmarshal([]byte(account.PublicKeyJWK), &storedKey); err != nil {
		return newProblem(401, ErrUnauthorized, "wrong public key")
	}
	if storedKey["alg"] == nil && account.Alg != "" {
		storedKey["alg"] = account.Alg
	}

	if !reflect.DeepEqual(normalizeKeyAlg(oldKey), normalizeKeyAlg(storedKey)) {
		return newProblem(401, ErrUnauthorized, "wrong public key")
	}
	return nil
}

// normalizeKeyAlg returns a copy of the JWK map with the alg parameter
// collapsed to its key family.
func normalizeKeyAlg(key map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(key))
	for k, v := range key {
		out[k] = v
	}
	if alg, ok := out["alg"].(string); ok {
		switch {
		case strings.HasPrefix(alg, "ES"), alg == "ECDSA":
			out["alg"] = "ECDSA"
		case strings.HasPrefix(alg, "RS"), alg == "RSA":
			out["alg"] = "RSA"
		}
	}
	return out
}
