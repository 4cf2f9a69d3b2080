package acme

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// NonceManager issues anti-replay nonces and validates them exactly once.
type NonceManager struct {
	store storage.Storage
	ttl   time.Duration
}

// NewNonceManager creates a NonceManager with the given validity window.
func NewNonceManager(store storage.Storage, ttl time.Duration) *NonceManager {
	return &NonceManager{store: store, ttl: ttl}
}

// GenerateAndAdd issues a fresh nonce and persists it.
func (n *NonceManager) GenerateAndAdd(ctx context.Context) (string, error) {
	value := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now()
	nonce := &model.Nonce{Value: value, IssuedAt: now, ExpiresAt: now.Add(n.ttl)}
	if err := n.store.SaveNonce(ctx, nonce); err != nil {
		return "", err
	}
	return value, nil
}

// CheckAndDelete consumes the nonce, atomically. A nonce not present in
// the store (never issued, already consumed, or expired) is invalid.
func (n *NonceManager) CheckAndDelete(ctx context.Context, value string) *Problem {
	if value == "" {
		return newProblem(400, ErrBadNonce, "NONE")
	}
	nonce, err := n.store.ConsumeNonce(ctx, value)
	if err != nil {
		logger.Error("nonce consumption failed", zap.Error(err))
		return newProblem(500, ErrServerInternal, "nonce check failed")
	}
	if nonce == nil {
		return newProblem(400, ErrBadNonce, value)
	}
	return nil
}

// headerWithNonce builds a response header set carrying a fresh
// Replay-Nonce. When issuance fails the header is returned without one;
// the failure is logged, not surfaced, so a response still goes out.
func (n *NonceManager) headerWithNonce(ctx context.Context, header map[string]string) map[string]string {
	if header == nil {
		header = map[string]string{}
	}
	value, err := n.GenerateAndAdd(ctx)
	if err != nil {
		logger.Error("failed to issue replay nonce", zap.Error(err))
		return header
	}
	header["Replay-Nonce"] = value
	return header
}
