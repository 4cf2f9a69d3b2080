package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

const (
	caKeySize         = 4096 // RSA key size for the CA keypair
	defaultSerialBits = 128  // Bit size for serial number randomness
	leafLifetime      = 365 * 24 * time.Hour
)

// ErrCANotInitialized indicates the CA keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// LocalBackend signs CSRs with a CA keypair held in storage.
type LocalBackend struct {
	cfg    *config.Config
	store  storage.Storage
	caCert *x509.Certificate
	caKey  crypto.Signer
}

// Ensure LocalBackend implements Backend (compile-time check).
var _ Backend = (*LocalBackend)(nil)

// NewLocalBackend loads the CA key/cert from storage, generating them if not found.
func NewLocalBackend(cfg *config.Config, store storage.Storage) (*LocalBackend, error) {
	b := &LocalBackend{cfg: cfg, store: store}

	logger.Info("Initializing local CA backend...")
	ctx := context.Background()

	pemKeyBytes, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to get CA private key from storage: %w", err)
	}
	pemCertBytes, err := store.GetCACertificate(ctx)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to get CA certificate from storage: %w", err)
	}

	if pemKeyBytes == nil || pemCertBytes == nil {
		logger.Info("CA key or certificate not found in storage, generating new ones...")
		newKey, newCert, err := generateCAKeyAndCert()
		if err != nil {
			return nil, fmt.Errorf("ca: failed to generate CA key/cert: %w", err)
		}
		b.caKey = newKey
		b.caCert = newCert

		pemKeyBytes, err = encodePrivateKey(newKey)
		if err != nil {
			return nil, err
		}
		pemCertBytes = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: newCert.Raw})
		if err := store.SaveCAPrivateKey(ctx, pemKeyBytes); err != nil {
			return nil, fmt.Errorf("ca: failed to persist CA private key: %w", err)
		}
		if err := store.SaveCACertificate(ctx, pemCertBytes); err != nil {
			return nil, fmt.Errorf("ca: failed to persist CA certificate: %w", err)
		}
		logger.Info("Generated and persisted new CA keypair", zap.String("subject", newCert.Subject.String()))
	} else {
		key, err := decodePrivateKey(pemKeyBytes)
		if err != nil {
			return nil, err
		}
		cert, err := decodeCertificate(pemCertBytes)
		if err != nil {
			return nil, err
		}
		b.caKey = key
		b.caCert = cert
		logger.Info("Loaded CA keypair from storage", zap.String("subject", cert.Subject.String()))
	}

	return b, nil
}

// Enroll parses the base64url DER PKCS#10 request and signs a leaf certificate.
func (b *LocalBackend) Enroll(_ context.Context, csr string) (string, []byte, error) {
	if b.caCert == nil || b.caKey == nil {
		return "", nil, ErrCANotInitialized
	}

	csrDER, err := base64.RawURLEncoding.DecodeString(csr)
	if err != nil {
		return "", nil, fmt.Errorf("ca: failed to decode CSR: %w", err)
	}
	req, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return "", nil, fmt.Errorf("ca: failed to parse CSR: %w", err)
	}
	if err := req.CheckSignature(); err != nil {
		return "", nil, fmt.Errorf("ca: CSR signature check failed: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:   serial,
		Subject:        req.Subject,
		NotBefore:      now.Add(-5 * time.Minute),
		NotAfter:       now.Add(leafLifetime),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:       req.DNSNames,
		EmailAddresses: req.EmailAddresses,
		IPAddresses:    req.IPAddresses,
		URIs:           req.URIs,
	}

	leafDER, err := x509.CreateCertificate(rand.Reader, &template, b.caCert, req.PublicKey, b.caKey)
	if err != nil {
		return "", nil, fmt.Errorf("ca: failed to sign certificate: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: b.caCert.Raw})
	logger.Info("Certificate enrolled", zap.String("serial", serial.Text(16)), zap.Strings("dns_names", req.DNSNames))
	return string(leafPEM) + string(caPEM), leafDER, nil
}

// Revoke accepts any certificate this CA issued. Revocation state itself
// lives with the caller; the local CA keeps no CRL.
func (b *LocalBackend) Revoke(_ context.Context, certPEM string, reason string, _ string) (int, string, string) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return 500, "urn:ietf:params:acme:error:serverInternal", "certificate could not be parsed"
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		return 500, "urn:ietf:params:acme:error:serverInternal", fmt.Sprintf("certificate could not be parsed: %v", err)
	}
	logger.Info("Certificate revocation accepted", zap.String("reason", reason))
	return 200, "", ""
}

func generateCAKeyAndCert() (crypto.Signer, *x509.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to generate CA private key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "ACME2Certifier Root CA", Organization: []string{"ACME2Certifier"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("ca: failed to parse generated CA certificate: %w", err)
	}
	return key, cert, nil
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serial, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate serial number: %w", err)
	}
	return serial, nil
}

func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to marshal CA private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func decodePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode CA private key PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA private key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("ca: unsupported CA private key type %T", key)
	}
}

func decodeCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("ca: failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to parse CA certificate: %w", err)
	}
	return cert, nil
}
