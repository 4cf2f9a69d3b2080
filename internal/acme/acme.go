package acme

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

// Resource paths under the external base URL.
const (
	PathDirectory   = "/acme/directory"
	PathNewNonce    = "/acme/newnonce"
	PathNewAccount  = "/acme/newaccount"
	PathAccount     = "/acme/acct/"
	PathKeyChange   = "/acme/key-change"
	PathNewOrder    = "/acme/neworder"
	PathOrder       = "/acme/order/"
	PathAuthz       = "/acme/authz/"
	PathChallenge   = "/acme/chall/"
	PathCertificate = "/acme/cert/"
	PathRevokeCert  = "/acme/revokecert"
)

// Response is what the engine hands back to the transport layer:
// an HTTP status, response headers, and a body (object or raw string).
type Response struct {
	Code   int
	Header map[string]string
	Data   interface{}
}

// newName assigns a server-side entity name.
func newName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newToken generates a random challenge token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acme: failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// formatTime renders a timestamp the way ACME objects expect: ISO-8601 UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
