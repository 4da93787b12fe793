// Package httpapi is the HTTP console for print users and operators.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	claimsContextKey = "auth_claims"
	operatorRole     = "operator"
	shutdownTimeout  = 5 * time.Second
)

// Config holds the HTTP listener and session settings.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	Operators         []string
}

// NewSessionValidator builds the tauth cookie validator for cfg.
func NewSessionValidator(cfg Config) (*sessionvalidator.Validator, error) {
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	return validator, nil
}

// Run serves the console until ctx is done.
func Run(ctx context.Context, cfg Config, handler *Handler, logger *zap.Logger) error {
	sessionValidator, err := NewSessionValidator(cfg)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http console listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires every route behind the session middleware.
func NewRouter(cfg Config, handler *Handler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/session", handler.handleSession)
	api.GET("/balance", handler.handleBalance)
	api.POST("/vouchers/redeem", handler.handleRedeemVoucher)
	api.GET("/jobs", handler.handleListJobs)
	api.POST("/jobs", handler.handleEnqueue)
	api.POST("/jobs/preview", handler.handlePreview)
	api.DELETE("/jobs/:id", handler.handleCancelOwnJob)

	operator := api.Group("/operator")
	operator.Use(handler.requireOperator)
	operator.GET("/tickets", handler.handleListTickets)
	operator.GET("/tickets/:number", handler.handleGetTicket)
	operator.GET("/tickets/:number/printer", handler.handleResolvePrinter)
	operator.POST("/tickets/:number/dispatch", handler.handleDispatch)
	operator.POST("/tickets/:number/settle", handler.handleSettle)
	operator.POST("/jobs/:id/ticket", handler.handlePromote)
	operator.POST("/jobs/:id/cancel", handler.handleCancel)
	operator.POST("/jobs/:id/extend", handler.handleExtend)
	operator.POST("/accounts/:id/credit", handler.handleCredit)
	operator.POST("/voucher-batches", handler.handleCreateVoucherBatch)

	return router
}

// Handler serves the console routes.
type Handler struct {
	logger    *zap.Logger
	accounts  *ledger.Service
	queue     *outbox.Service
	validate  *validator.Validate
	now       func() time.Time
	operators map[string]bool
}

// NewHandler wires a Handler. Operators lists user ids allowed on the operator
// routes in addition to sessions carrying the operator role.
func NewHandler(logger *zap.Logger, accounts *ledger.Service, queue *outbox.Service, now func() time.Time, operators []string) (*Handler, error) {
	if accounts == nil || queue == nil {
		return nil, errors.New("httpapi: ledger and queue services are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	allowed := make(map[string]bool, len(operators))
	for _, operator := range operators {
		if trimmed := strings.ToLower(strings.TrimSpace(operator)); trimmed != "" {
			allowed[trimmed] = true
		}
	}
	return &Handler{
		logger:    logger,
		accounts:  accounts,
		queue:     queue,
		validate:  validator.New(),
		now:       now,
		operators: allowed,
	}, nil
}

func (handler *Handler) requireOperator(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !handler.isOperator(claims) {
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "operator role required"))
		return
	}
	ctx.Next()
}

func (handler *Handler) isOperator(claims *sessionvalidator.Claims) bool {
	if handler.operators[strings.ToLower(claims.GetUserID())] {
		return true
	}
	for _, role := range claims.GetUserRoles() {
		if strings.EqualFold(role, operatorRole) {
			return true
		}
	}
	return false
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
