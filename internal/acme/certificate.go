package acme

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/ca"
	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// revocationReasons maps the revocation reason codes a client may send
// to their RFC 5280 names. Code 2 and everything above 6 stay out.
var revocationReasons = map[int]string{
	0: "unspecified",
	1: "keyCompromise",
	3: "affiliationChanged",
	4: "superseded",
	5: "cessationOfOperation",
	6: "certificateHold",
}

// CertificateManager stores CSRs, drives enrollment through the CA
// backend and serves and revokes issued certificates.
type CertificateManager struct {
	store       storage.Storage
	msg         *MessageVerifier
	nonce       *NonceManager
	backend     ca.Backend
	externalURL string
	cfg         *config.Config
}

// NewCertificateManager creates a CertificateManager.
func NewCertificateManager(store storage.Storage, msg *MessageVerifier, nonce *NonceManager, backend ca.Backend, cfg *config.Config) *CertificateManager {
	return &CertificateManager{
		store:       store,
		msg:         msg,
		nonce:       nonce,
		backend:     backend,
		externalURL: cfg.ExternalURL,
		cfg:         cfg,
	}
}

// revokePayload is the body of a revokeCert request.
type revokePayload struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason"`
}

// StoreCSR persists the CSR of a finalize request and returns the name
// of the new certificate resource.
func (c *CertificateManager) StoreCSR(ctx context.Context, orderName string, accountName string, csr string) (string, error) {
	name := newName()
	cert := &model.Certificate{
		ID:        name,
		OrderID:   orderName,
		AccountID: accountName,
		CSR:       csr,
	}
	if err := c.store.SaveCertificate(ctx, cert); err != nil {
		return "", err
	}
	return name, nil
}

// Enroll submits the CSR to the CA backend and stores the issued
// certificate. It returns a status code and, on failure, a problem-type
// URN and detail.
func (c *CertificateManager) Enroll(ctx context.Context, certName string, csr string) (int, string, string) {
	certPEM, rawDER, err := c.backend.Enroll(ctx, csr)
	if err != nil {
		logger.Error("enrollment failed", zap.String("certificate", certName), zap.Error(err))
		return 500, ErrServerInternal, err.Error()
	}

	cert, err := c.store.GetCertificate(ctx, certName)
	if err != nil || cert == nil {
		return 500, ErrServerInternal, "certificate store failed"
	}
	cert.CertificatePEM = certPEM
	cert.RawDER = rawDER
	if leaf, err := x509.ParseCertificate(rawDER); err == nil {
		cert.Serial = leaf.SerialNumber.Text(16)
	}
	if err := c.store.SaveCertificate(ctx, cert); err != nil {
		logger.Error("certificate store failed", zap.String("certificate", certName), zap.Error(err))
		return 500, ErrServerInternal, "certificate store failed"
	}
	return 200, "", ""
}

// NewGet serves the PEM chain behind a certificate URL.
func (c *CertificateManager) NewGet(ctx context.Context, url string) Response {
	name := c.nameFromURL(url)

	cert, err := c.store.GetCertificate(ctx, name)
	if err != nil {
		logger.Error("certificate lookup failed", zap.String("certificate", name), zap.Error(err))
	}
	if cert == nil || cert.CertificatePEM == "" {
		return Response{Code: 403, Header: map[string]string{}, Data: "NotFound"}
	}
	return Response{
		Code:   200,
		Header: map[string]string{"Content-Type": "application/pem-certificate-chain"},
		Data:   cert.CertificatePEM,
	}
}

// NewPost serves a certificate in response to a POST-as-GET.
func (c *CertificateManager) NewPost(ctx context.Context, content string) Response {
	result, p := c.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}
	if result.Protected.URL == "" {
		return errorResponse(newProblem(400, ErrMalformed, "url missing in protected header"))
	}

	resp := c.NewGet(ctx, result.Protected.URL)
	if resp.Code == 200 {
		c.nonce.headerWithNonce(ctx, resp.Header)
	}
	return resp
}

// Revoke handles a revokeCert request.
func (c *CertificateManager) Revoke(ctx context.Context, content string) Response {
	result, p := c.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}

	var payload revokePayload
	if p := unmarshalPayload(result.Payload, &payload); p != nil {
		return errorResponse(p)
	}
	if payload.Certificate == "" {
		return errorResponse(newProblem(400, ErrMalformed, "certificate not found"))
	}

	code, validation := c.revocationRequestValidate(ctx, result.AccountName, &payload)
	if code != 200 {
		return errorResponse(newProblem(code, validation, ""))
	}

	certPEM := derToPEM(payload.Certificate)
	caCode, errType, detail := c.backend.Revoke(ctx, certPEM, validation, "")
	if caCode != 200 {
		return errorResponse(newProblem(caCode, errType, detail))
	}

	reason := 0
	if payload.Reason != nil {
		reason = *payload.Reason
	}
	if err := c.markRevoked(ctx, payload.Certificate, reason); err != nil {
		logger.Error("revocation state update failed", zap.Error(err))
	}

	header := map[string]string{}
	c.nonce.headerWithNonce(ctx, header)
	return Response{Code: 200, Header: header}
}

// revocationRequestValidate checks reason, ownership and authorization
// of a revocation request. It returns 200 with the reason name, or an
// error code with a problem-type URN.
func (c *CertificateManager) revocationRequestValidate(ctx context.Context, accountName string, payload *revokePayload) (int, string) {
	reason := "unspecified"
	if payload.Reason != nil {
		reason = revocationReasons[*payload.Reason]
		if reason == "" {
			return 400, ErrBadRevocationReason
		}
	}

	if payload.Certificate == "" {
		return 400, reason
	}
	orderName, ok := c.accountCheck(ctx, accountName, payload.Certificate)
	if !ok || !c.authorizationCheck(ctx, orderName, payload.Certificate) {
		return 400, ErrUnauthorized
	}
	return 200, reason
}

// accountCheck verifies that the certificate was issued to the account
// and returns the order it belongs to.
func (c *CertificateManager) accountCheck(ctx context.Context, accountName string, certB64 string) (string, bool) {
	leaf, err := parseDERCertificate(certB64)
	if err != nil {
		return "", false
	}

	record, err := c.store.GetCertificateBySerial(ctx, leaf.SerialNumber.Text(16))
	if err != nil || record == nil {
		return "", false
	}
	if record.AccountID != accountName {
		return "", false
	}
	return record.OrderID, true
}

// authorizationCheck verifies that every SAN of the certificate is
// covered by an identifier of the order. It fails closed on unreadable
// order data.
func (c *CertificateManager) authorizationCheck(ctx context.Context, orderName string, certB64 string) bool {
	if orderName == "" {
		return false
	}
	leaf, err := parseDERCertificate(certB64)
	if err != nil {
		return false
	}

	order, err := c.store.GetOrder(ctx, orderName)
	if err != nil || order == nil || order.IdentifiersJSON == "" {
		return false
	}
	var identifiers []model.Identifier
	if err := json.Unmarshal([]byte(order.IdentifiersJSON), &identifiers); err != nil {
		return false
	}

	covered := make(map[string]bool, len(identifiers))
	for _, identifier := range identifiers {
		covered[strings.ToLower(identifier.Type)+":"+strings.ToLower(identifier.Value)] = true
	}

	sans := certSANs(leaf)
	if len(sans) == 0 {
		return false
	}
	for _, san := range sans {
		if !covered[san] {
			return false
		}
	}
	return true
}

// markRevoked records the revocation on the stored certificate.
func (c *CertificateManager) markRevoked(ctx context.Context, certB64 string, reason int) error {
	leaf, err := parseDERCertificate(certB64)
	if err != nil {
		return err
	}
	record, err := c.store.GetCertificateBySerial(ctx, leaf.SerialNumber.Text(16))
	if err != nil || record == nil {
		return err
	}
	record.Revoked = true
	record.RevokedAt = time.Now().UTC()
	record.RevocationReason = reason
	return c.store.SaveCertificate(ctx, record)
}

// nameFromURL extracts the certificate name from a certificate URL.
func (c *CertificateManager) nameFromURL(url string) string {
	name := url
	if idx := strings.Index(name, PathCertificate); idx >= 0 {
		name = name[idx+len(PathCertificate):]
	}
	if idx := strings.IndexAny(name, "?/"); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// certSANs returns the DNS SANs of a certificate as lowercased
// "dns:value" strings.
func certSANs(cert *x509.Certificate) []string {
	sans := make([]string, 0, len(cert.DNSNames))
	for _, name := range cert.DNSNames {
		sans = append(sans, "dns:"+strings.ToLower(name))
	}
	return sans
}

// parseDERCertificate decodes a base64url DER certificate.
func parseDERCertificate(certB64 string) (*x509.Certificate, error) {
	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(certB64, "="))
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// derToPEM converts a base64url DER certificate to PEM. Input that does
// not decode is passed through untouched so the CA backend can reject it.
func derToPEM(certB64 string) string {
	der, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(certB64, "="))
	if err != nil {
		return certB64
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
