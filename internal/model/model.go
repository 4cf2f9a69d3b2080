package model

import (
	"time"
)

// Status values shared by accounts, orders, authorizations and challenges.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusDeactivated = "deactivated"
	StatusRevoked     = "revoked"
)

// Account represents an ACME account on the server.
type Account struct {
	ID             string    `json:"id" db:"id"`                     // Server-assigned account name
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"`          // Public key in JWK format (JSON string), not exposed in account responses
	Alg            string    `json:"-" db:"alg"`                     // JWS algorithm the key was registered with
	Contact        []string  `json:"contact,omitempty" db:"contact"` // Contact URLs (e.g., "mailto:...")
	Status         string    `json:"status" db:"status"`             // "valid" or "deactivated"
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // e.g., "dns", "TNAuthList"
	Value string `json:"value"` // e.g., "example.com"
}

// Order represents a certificate order.
type Order struct {
	ID             string    `db:"id"` // Server-assigned order name
	AccountID      string    `db:"account_id"`
	Status         string    `db:"status"` // "pending", "processing", "valid", "invalid"
	Expires        time.Time `db:"expires_at"`
	NotBefore      time.Time `db:"not_before"` // Zero value means "not requested"
	NotAfter       time.Time `db:"not_after"`  // Zero value means "not requested"
	CertificateID  string    `db:"certificate_id"`
	CreatedAt      time.Time `db:"created_at"`
	LastModifiedAt time.Time `db:"last_modified_at"`

	// Denormalized identifier list for DB storage, JSON-encoded []Identifier.
	IdentifiersJSON string `db:"identifiers_json"`
}

// Authorization represents the state of an identifier authorization.
type Authorization struct {
	ID        string    `db:"id"` // Server-assigned authorization name
	OrderID   string    `db:"order_id"`
	Status    string    `db:"status"` // "pending", "valid", "invalid", "expired"
	Token     string    `db:"token"`  // Token shared by the challenges issued for this authorization
	Expires   time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`

	// Denormalized identifier for DB storage, JSON-encoded Identifier.
	IdentifierJSON string `db:"identifier_json"`
}

// Challenge represents an ACME challenge to prove control over an identifier.
type Challenge struct {
	ID              string    `db:"id"` // Server-assigned challenge name
	AuthorizationID string    `db:"authorization_id"`
	Type            string    `db:"type"`        // "http-01", "dns-01", "tkauth-01"
	TkauthType      string    `db:"tkauth_type"` // Only set for tkauth-01 challenges
	Status          string    `db:"status"`      // "pending", "valid", "invalid"
	Token           string    `db:"token"`
	Validated       time.Time `db:"validated_at"`
	CreatedAt       time.Time `db:"created_at"`
}

// Certificate represents a CSR and, once enrolled, the issued certificate.
type Certificate struct {
	ID               string    `db:"id"` // Server-assigned certificate name
	OrderID          string    `db:"order_id"`
	AccountID        string    `db:"account_id"`
	CSR              string    `db:"csr"`             // base64url DER PKCS#10 as submitted at finalize
	CertificatePEM   string    `db:"certificate_pem"` // PEM chain once enrolled
	RawDER           []byte    `db:"raw_der"`
	Serial           string    `db:"serial"` // Hex serial number extracted from the leaf
	Revoked          bool      `db:"revoked"`
	RevokedAt        time.Time `db:"revoked_at"`
	RevocationReason int       `db:"revocation_reason"`
	CreatedAt        time.Time `db:"created_at"`
	LastModifiedAt   time.Time `db:"last_modified_at"`
}

// Nonce represents an anti-replay nonce (storage model).
type Nonce struct {
	Value     string    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
	IssuedAt  time.Time `db:"issued_at"`
}

// ProblemDetails is the ACME error body produced by the engine.
// The problem-type URN travels in the "message" field.
type ProblemDetails struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
