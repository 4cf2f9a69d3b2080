package acme

import (
	"encoding/json"

	"github.com/vbrinnel/acme2certifier/internal/model"
)

const urnPrefix = "urn:ietf:params:acme:error:"

// Problem-type URNs the engine emits.
const (
	ErrAccountDoesNotExist   = urnPrefix + "accountDoesNotExist"
	ErrBadCSR                = urnPrefix + "badCSR"
	ErrBadNonce              = urnPrefix + "badNonce"
	ErrBadPublicKey          = urnPrefix + "badPublicKey"
	ErrBadRevocationReason   = urnPrefix + "badRevocationReason"
	ErrInvalidContact        = urnPrefix + "invalidContact"
	ErrMalformed             = urnPrefix + "malformed"
	ErrServerInternal        = urnPrefix + "serverInternal"
	ErrUnauthorized          = urnPrefix + "unauthorized"
	ErrUnsupportedIdentifier = urnPrefix + "unsupportedIdentifier"
	ErrUserActionRequired    = urnPrefix + "userActionRequired"
)

// Problem is a protocol failure travelling between managers. It is always
// recovered into a well-formed error response, never raised as a Go error.
type Problem struct {
	Code   int
	Type   string // Problem-type URN
	Detail string
}

func newProblem(code int, typeURN string, detail string) *Problem {
	return &Problem{Code: code, Type: typeURN, Detail: detail}
}

// Message returns the human-readable explanation mapped to a problem type.
// Types without a catalog entry return the empty string; the caller's
// detail then stands alone.
func Message(typeURN string) string {
	switch typeURN {
	case ErrBadNonce:
		return "JWS has invalid anti-replay nonce"
	case ErrInvalidContact:
		return "The provided contact URI was invalid"
	default:
		return ""
	}
}

// details builds the wire-level problem document, prefixing the catalog
// message when one exists.
func (p *Problem) details() *model.ProblemDetails {
	detail := p.Detail
	if msg := Message(p.Type); msg != "" {
		if detail != "" {
			detail = msg + ": " + detail
		} else {
			detail = msg
		}
	}
	return &model.ProblemDetails{Status: p.Code, Message: p.Type, Detail: detail}
}

// errorResponse renders a Problem as a transport response. Error responses
// carry no Replay-Nonce; the client must fetch a fresh one.
func errorResponse(p *Problem) Response {
	return Response{Code: p.Code, Header: map[string]string{}, Data: p.details()}
}

// unmarshalPayload decodes a request payload into its per-message record
// type, funnelling every malformed-body failure through one place.
func unmarshalPayload(payload []byte, v interface{}) *Problem {
	if len(payload) == 0 {
		return newProblem(400, ErrMalformed, "payload is missing")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return newProblem(400, ErrMalformed, err.Error())
	}
	return nil
}
