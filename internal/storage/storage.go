package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vbrinnel/acme2certifier/internal/model"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// Storage defines the interface the protocol engine reads and writes through.
// Lookups return (nil, nil) on miss; "not found" is never an error.
type Storage interface {
	// Nonce Methods
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	// ConsumeNonce atomically deletes and returns the nonce, or (nil, nil)
	// if it was never issued, already consumed, or expired.
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context) (int64, error)

	// Account Methods
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByJWK(ctx context.Context, jwk string) (*model.Account, error)

	// Order Methods
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)

	// Authorization Methods
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)

	// Challenge Methods
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)

	// Certificate Methods
	SaveCertificate(ctx context.Context, cert *model.Certificate) error
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)
	GetCertificateByOrderID(ctx context.Context, orderID string) (*model.Certificate, error)
	GetCertificateBySerial(ctx context.Context, serial string) (*model.Certificate, error)

	// CA Data Methods (used by the local CA backend)
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)

	Close() error
}

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// Ensure PostgreSQLStorage implements Storage (compile-time check).
var _ Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL UNIQUE, alg TEXT NOT NULL, contact TEXT[], status TEXT NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, not_before TIMESTAMP WITH TIME ZONE, not_after TIMESTAMP WITH TIME ZONE, certificate_id TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, tkauth_type TEXT, status TEXT NOT NULL, token TEXT NOT NULL, validated_at TIMESTAMP WITH TIME ZONE, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		`CREATE TABLE IF NOT EXISTS acme_certificates ( id TEXT PRIMARY KEY, order_id TEXT NOT NULL, account_id TEXT NOT NULL, csr TEXT NOT NULL, certificate_pem TEXT, raw_der BYTEA, serial TEXT, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_certificates_order_id ON acme_certificates (order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_certificates_serial ON acme_certificates (serial);`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			logger.Error("Failed to execute schema statement", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema: %w", err)
		}
	}

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_certificates_order_id') THEN
                ALTER TABLE acme_certificates ADD CONSTRAINT fk_acme_certificates_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE RESTRICT;
            END IF;
        END $$;`

	if _, err := db.ExecContext(ctx, fkStmt); err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("constraint", pqErr.Constraint),
			)
		} else {
			logger.Error("Failed to execute schema statement (Foreign Key Phase)", zap.Error(err))
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// Close shuts down the database connection pool.
func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// --- Nonce ---

func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt); err != nil {
		return fmt.Errorf("storage: failed to save nonce '%s': %w", nonce.Value, err)
	}
	logger.Debug("Nonce saved", zap.String("nonce", nonce.Value))
	return nil
}

func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	// Single DELETE ... RETURNING so two concurrent requests can never both win.
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := s.db.QueryRowContext(ctx, query, nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Invalid/Used/Expired
		}
		return nil, fmt.Errorf("storage: failed to consume nonce '%s': %w", nonceValue, err)
	}
	logger.Debug("Nonce consumed", zap.String("nonce", nonce.Value))
	return &nonce, nil
}

func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context) (int64, error) {
	query := `DELETE FROM acme_nonces WHERE expires_at <= NOW()`
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Account ---

func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	query := `
        INSERT INTO acme_accounts (id, public_key_jwk, alg, contact, status, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            public_key_jwk = EXCLUDED.public_key_jwk, alg = EXCLUDED.alg, contact = EXCLUDED.contact,
            status = EXCLUDED.status, last_modified_at = EXCLUDED.last_modified_at`
	_, err := s.db.ExecContext(ctx, query, acc.ID, acc.PublicKeyJWK, acc.Alg, pq.Array(acc.Contact), acc.Status, acc.CreatedAt, acc.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	query := `SELECT id, public_key_jwk, alg, contact, status, created_at, last_modified_at FROM acme_accounts WHERE id = $1`
	return scanAccount(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *PostgreSQLStorage) GetAccountByJWK(ctx context.Context, jwk string) (*model.Account, error) {
	query := `SELECT id, public_key_jwk, alg, contact, status, created_at, last_modified_at FROM acme_accounts WHERE public_key_jwk = $1`
	return scanAccount(s.db.QueryRowContext(ctx, query, jwk), "<by-jwk>")
}

func scanAccount(row *sql.Row, key string) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	err := row.Scan(&acc.ID, &acc.PublicKeyJWK, &acc.Alg, &contacts, &acc.Status, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account '%s': %w", key, err)
	}
	acc.Contact = []string(contacts)
	return &acc, nil
}

// --- Order ---

func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	query := `
        INSERT INTO acme_orders (id, account_id, status, expires_at, identifiers_json, not_before, not_after, certificate_id, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, expires_at = EXCLUDED.expires_at, identifiers_json = EXCLUDED.identifiers_json,
            not_before = EXCLUDED.not_before, not_after = EXCLUDED.not_after, certificate_id = EXCLUDED.certificate_id,
            last_modified_at = EXCLUDED.last_modified_at`
	_, err := s.db.ExecContext(ctx, query, order.ID, order.AccountID, order.Status, order.Expires, order.IdentifiersJSON,
		nullTime(order.NotBefore), nullTime(order.NotAfter), nullString(order.CertificateID), order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order '%s': %w", order.ID, err)
	}
	logger.Debug("Order saved", zap.String("orderID", order.ID))
	return nil
}

func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	query := `SELECT id, account_id, status, expires_at, identifiers_json, not_before, not_after, certificate_id, created_at, last_modified_at FROM acme_orders WHERE id = $1`
	var order model.Order
	var notBefore, notAfter sql.NullTime
	var certID sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&order.ID, &order.AccountID, &order.Status, &order.Expires,
		&order.IdentifiersJSON, &notBefore, &notAfter, &certID, &order.CreatedAt, &order.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", id, err)
	}
	if notBefore.Valid {
		order.NotBefore = notBefore.Time
	}
	if notAfter.Valid {
		order.NotAfter = notAfter.Time
	}
	if certID.Valid {
		order.CertificateID = certID.String
	}
	return &order, nil
}

func (s *PostgreSQLStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	query := `SELECT id, account_id, status, expires_at, identifiers_json, not_before, not_after, certificate_id, created_at, last_modified_at FROM acme_orders WHERE account_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders for account '%s': %w", accountID, err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		var order model.Order
		var notBefore, notAfter sql.NullTime
		var certID sql.NullString
		if err := rows.Scan(&order.ID, &order.AccountID, &order.Status, &order.Expires,
			&order.IdentifiersJSON, &notBefore, &notAfter, &certID, &order.CreatedAt, &order.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		if notBefore.Valid {
			order.NotBefore = notBefore.Time
		}
		if notAfter.Valid {
			order.NotAfter = notAfter.Time
		}
		if certID.Valid {
			order.CertificateID = certID.String
		}
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

// --- Authorization ---

func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO acme_authorizations (id, order_id, identifier_json, status, token, expires_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET
            identifier_json = EXCLUDED.identifier_json, status = EXCLUDED.status, token = EXCLUDED.token,
            expires_at = EXCLUDED.expires_at`
	_, err := s.db.ExecContext(ctx, query, authz.ID, authz.OrderID, authz.IdentifierJSON, authz.Status, authz.Token, authz.Expires, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	logger.Debug("Authorization saved", zap.String("authzID", authz.ID))
	return nil
}

func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	query := `SELECT id, order_id, identifier_json, status, token, expires_at, created_at FROM acme_authorizations WHERE id = $1`
	var authz model.Authorization
	err := s.db.QueryRowContext(ctx, query, id).Scan(&authz.ID, &authz.OrderID, &authz.IdentifierJSON, &authz.Status, &authz.Token, &authz.Expires, &authz.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return &authz, nil
}

func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	query := `SELECT id, order_id, identifier_json, status, token, expires_at, created_at FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderID, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		var authz model.Authorization
		if err := rows.Scan(&authz.ID, &authz.OrderID, &authz.IdentifierJSON, &authz.Status, &authz.Token, &authz.Expires, &authz.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, &authz)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

// --- Challenge ---

func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO acme_challenges (id, authorization_id, type, tkauth_type, status, token, validated_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, validated_at = EXCLUDED.validated_at`
	_, err := s.db.ExecContext(ctx, query, chal.ID, chal.AuthorizationID, chal.Type, nullString(chal.TkauthType), chal.Status, chal.Token, nullTime(chal.Validated), chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.ID, err)
	}
	logger.Debug("Challenge saved", zap.String("challengeID", chal.ID))
	return nil
}

func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	query := `SELECT id, authorization_id, type, tkauth_type, status, token, validated_at, created_at FROM acme_challenges WHERE id = $1`
	var chal model.Challenge
	var tkauthType sql.NullString
	var validated sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &tkauthType, &chal.Status, &chal.Token, &validated, &chal.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", id, err)
	}
	if tkauthType.Valid {
		chal.TkauthType = tkauthType.String
	}
	if validated.Valid {
		chal.Validated = validated.Time
	}
	return &chal, nil
}

func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	query := `SELECT id, authorization_id, type, tkauth_type, status, token, validated_at, created_at FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges for authorization '%s': %w", authzID, err)
	}
	defer rows.Close()
	chals := make([]*model.Challenge, 0)
	for rows.Next() {
		var chal model.Challenge
		var tkauthType sql.NullString
		var validated sql.NullTime
		if err := rows.Scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &tkauthType, &chal.Status, &chal.Token, &validated, &chal.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		if tkauthType.Valid {
			chal.TkauthType = tkauthType.String
		}
		if validated.Valid {
			chal.Validated = validated.Time
		}
		chals = append(chals, &chal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return chals, nil
}

// --- Certificate ---

func (s *PostgreSQLStorage) SaveCertificate(ctx context.Context, cert *model.Certificate) error {
	now := time.Now()
	if cert.CreatedAt.IsZero() {
		cert.CreatedAt = now
	}
	cert.LastModifiedAt = now
	query := `
        INSERT INTO acme_certificates (id, order_id, account_id, csr, certificate_pem, raw_der, serial, revoked, revoked_at, revocation_reason, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (id) DO UPDATE SET
            csr = EXCLUDED.csr, certificate_pem = EXCLUDED.certificate_pem, raw_der = EXCLUDED.raw_der, serial = EXCLUDED.serial,
            revoked = EXCLUDED.revoked, revoked_at = EXCLUDED.revoked_at, revocation_reason = EXCLUDED.revocation_reason,
            last_modified_at = EXCLUDED.last_modified_at`
	var revokedAt sql.NullTime
	var revocationReason sql.NullInt32
	if cert.Revoked {
		revokedAt = sql.NullTime{Time: cert.RevokedAt, Valid: !cert.RevokedAt.IsZero()}
		revocationReason = sql.NullInt32{Int32: int32(cert.RevocationReason), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, cert.ID, cert.OrderID, cert.AccountID, cert.CSR, nullString(cert.CertificatePEM),
		cert.RawDER, nullString(cert.Serial), cert.Revoked, revokedAt, revocationReason, cert.CreatedAt, cert.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate '%s': %w", cert.ID, err)
	}
	logger.Debug("Certificate saved", zap.String("certificateID", cert.ID))
	return nil
}

func (s *PostgreSQLStorage) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	query := certSelect + ` WHERE id = $1`
	return scanCertificate(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *PostgreSQLStorage) GetCertificateByOrderID(ctx context.Context, orderID string) (*model.Certificate, error) {
	query := certSelect + ` WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanCertificate(s.db.QueryRowContext(ctx, query, orderID), orderID)
}

func (s *PostgreSQLStorage) GetCertificateBySerial(ctx context.Context, serial string) (*model.Certificate, error) {
	query := certSelect + ` WHERE serial = $1 ORDER BY created_at DESC LIMIT 1`
	return scanCertificate(s.db.QueryRowContext(ctx, query, serial), serial)
}

const certSelect = `SELECT id, order_id, account_id, csr, certificate_pem, raw_der, serial, revoked, revoked_at, revocation_reason, created_at, last_modified_at FROM acme_certificates`

func scanCertificate(row *sql.Row, key string) (*model.Certificate, error) {
	var cert model.Certificate
	var pem, serial sql.NullString
	var revokedAt sql.NullTime
	var revocationReason sql.NullInt32
	err := row.Scan(&cert.ID, &cert.OrderID, &cert.AccountID, &cert.CSR, &pem, &cert.RawDER, &serial,
		&cert.Revoked, &revokedAt, &revocationReason, &cert.CreatedAt, &cert.LastModifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate '%s': %w", key, err)
	}
	if pem.Valid {
		cert.CertificatePEM = pem.String
	}
	if serial.Valid {
		cert.Serial = serial.String
	}
	if revokedAt.Valid {
		cert.RevokedAt = revokedAt.Time
	}
	if revocationReason.Valid {
		cert.RevocationReason = int(revocationReason.Int32)
	}
	return &cert, nil
}

// --- CA Data ---

func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	query := `INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`
	if _, err := s.db.ExecContext(ctx, query, keyBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	logger.Debug("CA private key saved")
	return nil
}

func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return s.getCAData(ctx, `SELECT key_data FROM ca_data WHERE id = 1`, "private key")
}

func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	query := `INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	if _, err := s.db.ExecContext(ctx, query, certBytes); err != nil {
		return fmt.Errorf("storage: failed to save CA certificate: %w", err)
	}
	logger.Debug("CA certificate saved")
	return nil
}

func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return s.getCAData(ctx, `SELECT cert_data FROM ca_data WHERE id = 1`, "certificate")
}

func (s *PostgreSQLStorage) getCAData(ctx context.Context, query string, what string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA %s: %w", what, err)
	}
	return data, nil
}

// --- Null helpers ---

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
