package acme

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// OrderManager implements newOrder, order polling and finalize.
type OrderManager struct {
	store       storage.Storage
	msg         *MessageVerifier
	nonce       *NonceManager
	certs       *CertificateManager
	externalURL string
	cfg         *config.Config
}

// NewOrderManager creates an OrderManager.
func NewOrderManager(store storage.Storage, msg *MessageVerifier, nonce *NonceManager, certs *CertificateManager, cfg *config.Config) *OrderManager {
	return &OrderManager{
		store:       store,
		msg:         msg,
		nonce:       nonce,
		certs:       certs,
		externalURL: cfg.ExternalURL,
		cfg:         cfg,
	}
}

// newOrderPayload is the body of a newOrder request. Identifiers stays
// nil when the key is absent.
type newOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   string             `json:"notBefore"`
	NotAfter    string             `json:"notAfter"`
}

// finalizePayload is the body of a finalize request.
type finalizePayload struct {
	CSR string `json:"csr"`
}

// orderInfo is the order representation returned to clients.
type orderInfo struct {
	Status         string             `json:"status,omitempty"`
	Expires        string             `json:"expires,omitempty"`
	NotBefore      string             `json:"notBefore,omitempty"`
	NotAfter       string             `json:"notAfter,omitempty"`
	Identifiers    []model.Identifier `json:"identifiers,omitempty"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize,omitempty"`
	Certificate    string             `json:"certificate,omitempty"`
}

// New handles a newOrder request: one pending authorization is created
// per identifier.
func (o *OrderManager) New(ctx context.Context, content string) Response {
	result, p := o.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}

	var payload newOrderPayload
	if p := unmarshalPayload(result.Payload, &payload); p != nil {
		return errorResponse(p)
	}

	orderName, authzNames, expires, errType := o.add(ctx, &payload, result.AccountName)
	if errType != "" {
		return errorResponse(newProblem(400, errType, "could not process order"))
	}

	authorizations := make([]string, 0, len(authzNames))
	for _, name := range authzNames {
		authorizations = append(authorizations, o.externalURL+PathAuthz+name)
	}

	identifiers := payload.Identifiers
	if identifiers == nil {
		identifiers = []model.Identifier{}
	}

	header := map[string]string{
		"Location": o.externalURL + PathOrder + orderName,
	}
	o.nonce.headerWithNonce(ctx, header)

	return Response{
		Code:   201,
		Header: header,
		Data: orderInfo{
			Status:         model.StatusPending,
			Expires:        expires,
			Identifiers:    identifiers,
			Authorizations: authorizations,
			Finalize:       o.externalURL + PathOrder + orderName + "/finalize",
		},
	}
}

// Parse handles a POST to an order URL: a finalize request when the URL
// ends in /finalize, a status poll otherwise.
func (o *OrderManager) Parse(ctx context.Context, content string) Response {
	result, p := o.msg.Check(ctx, content)
	if p != nil {
		return errorResponse(p)
	}
	if result.Protected.URL == "" {
		return errorResponse(newProblem(400, ErrMalformed, "url is missing in protected"))
	}

	orderName := o.nameFromURL(result.Protected.URL)

	if strings.HasSuffix(result.Protected.URL, "/finalize") {
		var payload finalizePayload
		if p := unmarshalPayload(result.Payload, &payload); p != nil {
			return errorResponse(p)
		}
		if payload.CSR == "" {
			return errorResponse(newProblem(400, ErrBadCSR, "csr is missing in payload"))
		}
		code, _, _ := o.processCSR(ctx, orderName, payload.CSR)
		if code != 200 {
			return errorResponse(newProblem(code, ErrBadCSR, "enrollment failed"))
		}
	}

	info := o.lookup(ctx, orderName)
	if info == nil {
		info = &orderInfo{Authorizations: []string{}}
	}
	info.Finalize = o.externalURL + PathOrder + orderName + "/finalize"

	cert, err := o.store.GetCertificateByOrderID(ctx, orderName)
	if err != nil {
		logger.Error("certificate lookup failed", zap.String("order", orderName), zap.Error(err))
	}
	if cert != nil && cert.CertificatePEM != "" {
		info.Certificate = o.externalURL + PathCertificate + cert.ID
	}

	header := map[string]string{
		"Location": o.externalURL + PathOrder + orderName,
	}
	o.nonce.headerWithNonce(ctx, header)
	return Response{Code: 200, Header: header, Data: info}
}

// identifiersCheck validates the identifier list of a newOrder request
// and returns the problem-type URN on failure. The TNAuthList identifier
// type is only accepted when support for it got switched on.
func (o *OrderManager) identifiersCheck(identifiers []model.Identifier) string {
	if len(identifiers) == 0 {
		return ErrMalformed
	}
	for _, identifier := range identifiers {
		switch identifier.Type {
		case "dns":
		case "TNAuthList":
			if !o.cfg.TNAuthListSupport {
				return ErrUnsupportedIdentifier
			}
		default:
			return ErrUnsupportedIdentifier
		}
	}
	return ""
}

// add creates the order and one pending authorization per identifier.
// It returns the order name, the authorization names, the formatted
// expiry and an error type URN on failure.
func (o *OrderManager) add(ctx context.Context, payload *newOrderPayload, accountName string) (string, []string, string, string) {
	orderName := newName()
	expires := time.Now().UTC().Add(time.Duration(o.cfg.OrderExpiryDays) * 24 * time.Hour)

	if payload.Identifiers == nil {
		return orderName, nil, formatTime(expires), ErrUnsupportedIdentifier
	}
	if errType := o.identifiersCheck(payload.Identifiers); errType != "" {
		return orderName, nil, formatTime(expires), errType
	}

	identifiersJSON, err := json.Marshal(payload.Identifiers)
	if err != nil {
		return orderName, nil, formatTime(expires), ErrMalformed
	}

	order := &model.Order{
		ID:              orderName,
		AccountID:       accountName,
		Status:          model.StatusPending,
		Expires:         expires,
		IdentifiersJSON: string(identifiersJSON),
	}
	if notBefore, err := time.Parse(time.RFC3339, payload.NotBefore); err == nil {
		order.NotBefore = notBefore
	}
	if notAfter, err := time.Parse(time.RFC3339, payload.NotAfter); err == nil {
		order.NotAfter = notAfter
	}
	if err := o.store.SaveOrder(ctx, order); err != nil {
		logger.Error("order creation failed", zap.Error(err))
		return orderName, nil, formatTime(expires), ErrMalformed
	}

	authzNames := make([]string, 0, len(payload.Identifiers))
	for _, identifier := range payload.Identifiers {
		identifierJSON, err := json.Marshal(identifier)
		if err != nil {
			return orderName, nil, formatTime(expires), ErrMalformed
		}
		authzName := newName()
		authz := &model.Authorization{
			ID:             authzName,
			OrderID:        orderName,
			Status:         model.StatusPending,
			IdentifierJSON: string(identifierJSON),
		}
		if err := o.store.SaveAuthorization(ctx, authz); err != nil {
			logger.Error("authorization creation failed", zap.String("order", orderName), zap.Error(err))
			return orderName, nil, formatTime(expires), ErrMalformed
		}
		authzNames = append(authzNames, authzName)
	}

	return orderName, authzNames, formatTime(expires), ""
}

// lookup assembles the client view of an order. Authorization records
// without a usable name are dropped from the list.
func (o *OrderManager) lookup(ctx context.Context, orderName string) *orderInfo {
	order, err := o.store.GetOrder(ctx, orderName)
	if err != nil {
		logger.Error("order lookup failed", zap.String("order", orderName), zap.Error(err))
		return nil
	}
	if order == nil {
		return nil
	}

	info := &orderInfo{
		Status:         order.Status,
		Expires:        formatTime(order.Expires),
		Authorizations: []string{},
	}
	if !order.NotBefore.IsZero() {
		info.NotBefore = formatTime(order.NotBefore)
	}
	if !order.NotAfter.IsZero() {
		info.NotAfter = formatTime(order.NotAfter)
	}
	if order.IdentifiersJSON != "" {
		var identifiers []model.Identifier
		if err := json.Unmarshal([]byte(order.IdentifiersJSON), &identifiers); err == nil {
			info.Identifiers = identifiers
		}
	}

	authzs, err := o.store.GetAuthorizationsByOrderID(ctx, orderName)
	if err != nil {
		logger.Error("authorization lookup failed", zap.String("order", orderName), zap.Error(err))
	}
	for _, authz := range authzs {
		if authz.ID == "" {
			logger.Warn("dropping authorization without name", zap.String("order", orderName))
			continue
		}
		info.Authorizations = append(info.Authorizations, o.externalURL+PathAuthz+authz.ID)
	}
	return info
}

// processCSR stores the CSR and enrolls the certificate. It returns a
// status code, the certificate name on success or a problem-type URN on
// failure, and a detail text.
func (o *OrderManager) processCSR(ctx context.Context, orderName string, csr string) (int, string, string) {
	order, err := o.store.GetOrder(ctx, orderName)
	if err != nil {
		logger.Error("order lookup failed", zap.String("order", orderName), zap.Error(err))
		return 500, ErrServerInternal, "CSR processing failed"
	}
	if order == nil {
		return 400, ErrUnauthorized, "order: " + orderName + " not found"
	}

	order.Status = model.StatusProcessing
	if err := o.store.SaveOrder(ctx, order); err != nil {
		logger.Error("order update failed", zap.String("order", orderName), zap.Error(err))
		return 500, ErrServerInternal, "CSR processing failed"
	}

	certName, err := o.certs.StoreCSR(ctx, orderName, order.AccountID, csr)
	if err != nil {
		logger.Error("csr store failed", zap.String("order", orderName), zap.Error(err))
		return 500, ErrServerInternal, "CSR processing failed"
	}

	if code, errType, detail := o.certs.Enroll(ctx, certName, csr); code != 200 {
		return code, errType, detail
	}

	order.Status = model.StatusValid
	order.CertificateID = certName
	if err := o.store.SaveOrder(ctx, order); err != nil {
		logger.Error("order update failed", zap.String("order", orderName), zap.Error(err))
		return 500, ErrServerInternal, "CSR processing failed"
	}
	return 200, certName, ""
}

// nameFromURL extracts the order name from an order URL, dropping query
// parameters and trailing path segments such as /finalize.
func (o *OrderManager) nameFromURL(url string) string {
	name := url
	if idx := strings.Index(name, PathOrder); idx >= 0 {
		name = name[idx+len(PathOrder):]
	}
	if idx := strings.IndexAny(name, "?/"); idx >= 0 {
		name = name[:idx]
	}
	return name
}
