package ca

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "ca"))
}

// Backend is the certificate authority port the protocol engine enrolls
// and revokes through. The engine never sees a concrete CA type.
type Backend interface {
	// Enroll signs the base64url DER PKCS#10 request and returns the PEM
	// chain plus the raw DER of the leaf certificate.
	Enroll(ctx context.Context, csr string) (certPEM string, rawDER []byte, err error)

	// Revoke asks the CA to revoke the given certificate. The result is an
	// HTTP-shaped triple: status code, problem-type URN and detail; a 200
	// status means the revocation was accepted.
	Revoke(ctx context.Context, certPEM string, reason string, detail string) (int, string, string)
}

// NewBackend is the factory function.
func NewBackend(cfg *config.Config, store storage.Storage) (Backend, error) {
	switch strings.ToLower(cfg.CABackend) {
	case "local":
		return NewLocalBackend(cfg, store)
	case "rest":
		return NewRESTBackend(cfg)
	default:
		logger.Error("Invalid CA backend specified", zap.String("ca_backend", cfg.CABackend))
		return nil, fmt.Errorf("ca: invalid CA backend: %s", cfg.CABackend)
	}
}
