package ca

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
)

// RESTBackend enrolls and revokes through a CA REST API using basic auth.
type RESTBackend struct {
	apiHost  string
	user     string
	password string
	caName   string
	client   *http.Client
}

// Ensure RESTBackend implements Backend (compile-time check).
var _ Backend = (*RESTBackend)(nil)

// NewRESTBackend creates a REST CA backend from configuration.
func NewRESTBackend(cfg *config.Config) (*RESTBackend, error) {
	if cfg.CAAPIHost == "" {
		return nil, fmt.Errorf("ca: REST backend requires ACME2C_CA_API_HOST")
	}
	return &RESTBackend{
		apiHost:  cfg.CAAPIHost,
		user:     cfg.CAAPIUser,
		password: cfg.CAAPIPassword,
		caName:   cfg.CAName,
		client:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type caEntry struct {
	Name string `json:"name"`
	Href string `json:"href"`
}

type caListResponse struct {
	CAs []caEntry `json:"cas"`
}

type enrollResponse struct {
	CertificateBase64 string `json:"certificateBase64"`
	Issuer            string `json:"issuer"`
	IssuerCA          string `json:"issuerCa"`
}

type issuerResponse struct {
	Certificates struct {
		Active string `json:"active"`
	} `json:"certificates"`
}

// Enroll submits the CSR against the configured CA and assembles the PEM chain.
func (b *RESTBackend) Enroll(ctx context.Context, csr string) (string, []byte, error) {
	caHref, err := b.lookupCA(ctx)
	if err != nil {
		return "", nil, err
	}

	var enrolled enrollResponse
	if err := b.postJSON(ctx, b.apiHost+"/v1/requests", map[string]string{"ca": caHref, "pkcs10": csr}, &enrolled); err != nil {
		return "", nil, fmt.Errorf("ca: enrollment request failed: %w", err)
	}
	if enrolled.CertificateBase64 == "" {
		return "", nil, fmt.Errorf("ca: enrollment response carries no certificate")
	}

	leafDER, err := base64.StdEncoding.DecodeString(enrolled.CertificateBase64)
	if err != nil {
		return "", nil, fmt.Errorf("ca: failed to decode enrolled certificate: %w", err)
	}

	chain, err := b.buildChain(ctx, enrolled)
	if err != nil {
		return "", nil, err
	}
	logger.Info("Certificate enrolled via REST backend", zap.String("ca", b.caName))
	return chain, leafDER, nil
}

// buildChain walks the issuer links until no further PEM content is returned.
func (b *RESTBackend) buildChain(ctx context.Context, current enrollResponse) (string, error) {
	var pemChain string
	for {
		if current.CertificateBase64 == "" {
			break
		}
		pemChain += wrapPEM(current.CertificateBase64)

		issuerURL := current.Issuer
		if issuerURL == "" {
			issuerURL = current.IssuerCA
		}
		if issuerURL == "" {
			break
		}

		var issuer issuerResponse
		if err := b.getJSON(ctx, issuerURL, &issuer); err != nil {
			return "", fmt.Errorf("ca: failed to fetch issuer: %w", err)
		}
		current = enrollResponse{}
		if issuer.Certificates.Active != "" {
			if err := b.getJSON(ctx, issuer.Certificates.Active, &current); err != nil {
				return "", fmt.Errorf("ca: failed to fetch issuer certificate: %w", err)
			}
		}
	}
	return pemChain, nil
}

// Revoke posts a revocation request; failures surface as a serverInternal triple.
func (b *RESTBackend) Revoke(ctx context.Context, certPEM string, reason string, detail string) (int, string, string) {
	payload := map[string]string{"certificate": certPEM, "reason": reason, "detail": detail}
	if err := b.postJSON(ctx, b.apiHost+"/v1/revocations", payload, nil); err != nil {
		logger.Error("REST revocation failed", zap.Error(err))
		return 500, "urn:ietf:params:acme:error:serverInternal", err.Error()
	}
	return 200, "", ""
}

func (b *RESTBackend) lookupCA(ctx context.Context) (string, error) {
	u := b.apiHost + "/v1/cas"
	if b.caName != "" {
		u += "?q=" + url.QueryEscape("name:"+b.caName)
	}
	var list caListResponse
	if err := b.getJSON(ctx, u, &list); err != nil {
		return "", fmt.Errorf("ca: failed to list CAs: %w", err)
	}
	for _, entry := range list.CAs {
		if entry.Name == b.caName {
			return entry.Href, nil
		}
	}
	return "", fmt.Errorf("ca: CA %q not found on REST backend", b.caName)
}

func (b *RESTBackend) getJSON(ctx context.Context, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return b.do(req, out)
}

func (b *RESTBackend) postJSON(ctx context.Context, u string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req, out)
}

func (b *RESTBackend) do(req *http.Request, out interface{}) error {
	if b.user != "" {
		req.SetBasicAuth(b.user, b.password)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, req.URL)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func wrapPEM(b64 string) string {
	const width = 64
	var buf bytes.Buffer
	buf.WriteString("-----BEGIN CERTIFICATE-----\n")
	for i := 0; i < len(b64); i += width {
		end := i + width
		if end > len(b64) {
			end = len(b64)
		}
		buf.WriteString(b64[i:end])
		buf.WriteByte('\n')
	}
	buf.WriteString("-----END CERTIFICATE-----\n")
	return buf.String()
}
