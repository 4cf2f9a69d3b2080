package storage

import (
	"context"
	"sync"
	"time"

	"github.com/vbrinnel/acme2certifier/internal/model"
)

// MemoryStorage is a mutex-guarded in-memory Storage implementation.
// It backs unit tests and single-node deployments; every record is
// copied on the way in and out so callers never share engine state.
type MemoryStorage struct {
	mu       sync.Mutex
	nonces   map[string]model.Nonce
	accounts map[string]model.Account
	orders   map[string]model.Order
	authzs   map[string]model.Authorization
	chals    map[string]model.Challenge
	certs    map[string]model.Certificate
	caKey    []byte
	caCert   []byte
}

// Ensure MemoryStorage implements Storage (compile-time check).
var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nonces:   make(map[string]model.Nonce),
		accounts: make(map[string]model.Account),
		orders:   make(map[string]model.Order),
		authzs:   make(map[string]model.Authorization),
		chals:    make(map[string]model.Challenge),
		certs:    make(map[string]model.Certificate),
	}
}

func (s *MemoryStorage) Close() error { return nil }

// --- Nonce ---

func (s *MemoryStorage) SaveNonce(_ context.Context, nonce *model.Nonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[nonce.Value] = *nonce
	return nil
}

func (s *MemoryStorage) ConsumeNonce(_ context.Context, nonceValue string) (*model.Nonce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, ok := s.nonces[nonceValue]
	if !ok || !nonce.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	delete(s.nonces, nonceValue)
	return &nonce, nil
}

func (s *MemoryStorage) DeleteExpiredNonces(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	now := time.Now()
	for value, nonce := range s.nonces {
		if !nonce.ExpiresAt.After(now) {
			delete(s.nonces, value)
			count++
		}
	}
	return count, nil
}

// --- Account ---

func (s *MemoryStorage) SaveAccount(_ context.Context, acc *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	stored := *acc
	stored.Contact = append([]string(nil), acc.Contact...)
	s.accounts[acc.ID] = stored
	return nil
}

func (s *MemoryStorage) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	acc.Contact = append([]string(nil), acc.Contact...)
	return &acc, nil
}

func (s *MemoryStorage) GetAccountByJWK(_ context.Context, jwk string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.PublicKeyJWK == jwk {
			acc.Contact = append([]string(nil), acc.Contact...)
			return &acc, nil
		}
	}
	return nil, nil
}

// --- Order ---

func (s *MemoryStorage) SaveOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	s.orders[order.ID] = *order
	return nil
}

func (s *MemoryStorage) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

func (s *MemoryStorage) GetOrdersByAccountID(_ context.Context, accountID string) ([]*model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]*model.Order, 0)
	for _, order := range s.orders {
		if order.AccountID == accountID {
			o := order
			orders = append(orders, &o)
		}
	}
	return orders, nil
}

// --- Authorization ---

func (s *MemoryStorage) SaveAuthorization(_ context.Context, authz *model.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	s.authzs[authz.ID] = *authz
	return nil
}

func (s *MemoryStorage) GetAuthorization(_ context.Context, id string) (*model.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authz, ok := s.authzs[id]
	if !ok {
		return nil, nil
	}
	return &authz, nil
}

func (s *MemoryStorage) GetAuthorizationsByOrderID(_ context.Context, orderID string) ([]*model.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	authzs := make([]*model.Authorization, 0)
	for _, authz := range s.authzs {
		if authz.OrderID == orderID {
			a := authz
			authzs = append(authzs, &a)
		}
	}
	return authzs, nil
}

// --- Challenge ---

func (s *MemoryStorage) SaveChallenge(_ context.Context, chal *model.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	s.chals[chal.ID] = *chal
	return nil
}

func (s *MemoryStorage) GetChallenge(_ context.Context, id string) (*model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chal, ok := s.chals[id]
	if !ok {
		return nil, nil
	}
	return &chal, nil
}

func (s *MemoryStorage) GetChallengesByAuthorizationID(_ context.Context, authzID string) ([]*model.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chals := make([]*model.Challenge, 0)
	for _, chal := range s.chals {
		if chal.AuthorizationID == authzID {
			c := chal
			chals = append(chals, &c)
		}
	}
	return chals, nil
}

// --- Certificate ---

func (s *MemoryStorage) SaveCertificate(_ context.Context, cert *model.Certificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.LastModifiedAt = now
	stored := *cert
	stored.RawDER = append([]byte(nil), cert.RawDER...)
	s.certs[cert.ID] = stored
	return nil
}

func (s *MemoryStorage) GetCertificate(_ context.Context, id string) (*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cert, ok := s.certs[id]
	if !ok {
		return nil, nil
	}
	cert.RawDER = append([]byte(nil), cert.RawDER...)
	return &cert, nil
}

func (s *MemoryStorage) GetCertificateByOrderID(_ context.Context, orderID string) (*model.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cert := range s.certs {
		if cert.OrderID == orderID {
			c := cert
			c.RawDER = append([]byte(nil), cert.RawDER...)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStorage) GetCertificateBySerial(_ context.Context, serial string) (*model.Certificate, error) {
	if serial == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cert := range s.certs {
		if cert.Serial == serial {
			c := cert
			c.RawDER = append([]byte(nil), cert.RawDER...)
			return &c, nil
		}
	}
	return nil, nil
}

// --- CA Data ---

func (s *MemoryStorage) SaveCAPrivateKey(_ context.Context, keyBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caKey = append([]byte(nil), keyBytes...)
	return nil
}

func (s *MemoryStorage) GetCAPrivateKey(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caKey == nil {
		return nil, nil
	}
	return append([]byte(nil), s.caKey...), nil
}

func (s *MemoryStorage) SaveCACertificate(_ context.Context, certBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caCert = append([]byte(nil), certBytes...)
	return nil
}

func (s *MemoryStorage) GetCACertificate(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.caCert == nil {
		return nil, nil
	}
	return append([]byte(nil), s.caCert...), nil
}
