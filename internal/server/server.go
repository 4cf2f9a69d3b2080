package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/vbrinnel/acme2certifier/internal/acme"
	"github.com/vbrinnel/acme2certifier/internal/ca"
	"github.com/vbrinnel/acme2certifier/internal/config"
	"github.com/vbrinnel/acme2certifier/internal/model"
	"github.com/vbrinnel/acme2certifier/internal/storage"
)

// Engine bundles the protocol managers behind the HTTP surface.
type Engine struct {
	Directory      *acme.DirectoryManager
	Nonce          *acme.NonceManager
	Accounts       *acme.AccountManager
	Orders         *acme.OrderManager
	Authorizations *acme.AuthorizationManager
	Challenges     *acme.ChallengeManager
	Certificates   *acme.CertificateManager

	externalURL string
}

// NewEngine wires the managers against the given storage and CA backend.
func NewEngine(store storage.Storage, backend ca.Backend, cfg *config.Config) *Engine {
	nonce := acme.NewNonceManager(store, time.Duration(cfg.NonceTTLMinutes)*time.Minute)
	msg := acme.NewMessageVerifier(store, nonce, cfg.ExternalURL)
	certificates := acme.NewCertificateManager(store, msg, nonce, backend, cfg)
	challenges := acme.NewChallengeManager(store, msg, nonce, cfg)

	return &Engine{
		Directory:      acme.NewDirectoryManager(cfg),
		Nonce:          nonce,
		Accounts:       acme.NewAccountManager(store, msg, nonce, cfg),
		Orders:         acme.NewOrderManager(store, msg, nonce, certificates, cfg),
		Authorizations: acme.NewAuthorizationManager(store, msg, nonce, challenges, cfg),
		Challenges:     challenges,
		Certificates:   certificates,
		externalURL:    cfg.ExternalURL,
	}
}

// ApplyCommonMiddleware applies essential middleware to an Echo instance
// and injects a request-scoped logger.
func ApplyCommonMiddleware(e *echo.Echo, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", baseLogger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})
}

// SetupRouter defines the ACME routes.
func SetupRouter(e *echo.Echo, engine *Engine) {
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "acme2certifier is running")
	})

	acmeGroup := e.Group("/acme")
	acmeGroup.GET("/directory", engine.handleDirectory)
	acmeGroup.GET("/newnonce", engine.handleNewNonce)
	acmeGroup.HEAD("/newnonce", engine.handleNewNonce)
	acmeGroup.POST("/newaccount", engine.handleNewAccount)
	acmeGroup.POST("/acct/:accountID", engine.handleAccount)
	acmeGroup.POST("/key-change", engine.handleKeyChange)
	acmeGroup.POST("/neworder", engine.handleNewOrder)
	acmeGroup.POST("/order/:orderID", engine.handleOrder)
	acmeGroup.POST("/order/:orderID/finalize", engine.handleOrder)
	acmeGroup.POST("/authz/:authzID", engine.handleAuthorization)
	acmeGroup.POST("/chall/:challengeID", engine.handleChallenge)
	acmeGroup.GET("/cert/:certID", engine.handleCertificateGet)
	acmeGroup.POST("/cert/:certID", engine.handleCertificatePost)
	acmeGroup.POST("/revokecert", engine.handleRevokeCertificate)
}

func (s *Engine) handleDirectory(c echo.Context) error {
	return writeResponse(c, s.Directory.Get())
}

func (s *Engine) handleNewNonce(c echo.Context) error {
	nonce, err := s.Nonce.GenerateAndAdd(c.Request().Context())
	if err != nil {
		return writeResponse(c, acme.Response{
			Code:   500,
			Header: map[string]string{},
			Data:   &model.ProblemDetails{Status: 500, Message: acme.ErrServerInternal, Detail: "nonce generation failed"},
		})
	}

	header := c.Response().Header()
	header.Set("Replay-Nonce", nonce)
	header.Set("Cache-Control", "no-store")
	header.Set("Link", "<"+s.externalURL+acme.PathDirectory+">;rel=\"index\"")
	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Engine) handleNewAccount(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Accounts.New(c.Request().Context(), content))
}

func (s *Engine) handleAccount(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Accounts.Parse(c.Request().Context(), content))
}

func (s *Engine) handleKeyChange(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Accounts.KeyChange(c.Request().Context(), content))
}

func (s *Engine) handleNewOrder(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Orders.New(c.Request().Context(), content))
}

func (s *Engine) handleOrder(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Orders.Parse(c.Request().Context(), content))
}

func (s *Engine) handleAuthorization(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Authorizations.NewPost(c.Request().Context(), content))
}

func (s *Engine) handleChallenge(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Challenges.Parse(c.Request().Context(), content))
}

func (s *Engine) handleCertificateGet(c echo.Context) error {
	return writeResponse(c, s.Certificates.NewGet(c.Request().Context(), c.Request().URL.String()))
}

func (s *Engine) handleCertificatePost(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Certificates.NewPost(c.Request().Context(), content))
}

func (s *Engine) handleRevokeCertificate(c echo.Context) error {
	content, err := requestBody(c)
	if err != nil {
		return err
	}
	return writeResponse(c, s.Certificates.Revoke(c.Request().Context(), content))
}

func requestBody(c echo.Context) (string, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}
	return string(body), nil
}

// writeResponse translates an engine response to HTTP. Problem documents
// go out as application/problem+json.
func writeResponse(c echo.Context, resp acme.Response) error {
	header := c.Response().Header()
	for key, value := range resp.Header {
		header.Set(key, value)
	}

	switch data := resp.Data.(type) {
	case nil:
		return c.NoContent(resp.Code)
	case string:
		contentType := resp.Header["Content-Type"]
		if contentType == "" {
			contentType = echo.MIMETextPlain
		}
		return c.Blob(resp.Code, contentType, []byte(data))
	case *model.ProblemDetails:
		body, err := json.Marshal(data)
		if err != nil {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.Blob(resp.Code, "application/problem+json", body)
	default:
		return c.JSON(resp.Code, data)
	}
}
