package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/metering/internal/coalesce"
	"github.com/MarkoPoloResearchLab/metering/internal/pool"
	"github.com/MarkoPoloResearchLab/metering/internal/throttle"
	"github.com/MarkoPoloResearchLab/metering/pkg/credits"
	"github.com/MarkoPoloResearchLab/metering/pkg/granttoken"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ledger is the slice of the credits service the HTTP surface depends on.
type Ledger interface {
	Balance(ctx context.Context, sessionID credits.SessionID) (credits.Balance, error)
	Bootstrap(ctx context.Context, sessionID credits.SessionID) (credits.MutationOutcome, error)
	Consume(ctx context.Context, sessionID credits.SessionID, amount credits.Amount, source credits.Source, idempotencyKey credits.IdempotencyKey) (credits.MutationOutcome, error)
	Refund(ctx context.Context, sessionID credits.SessionID, amount credits.Amount, source credits.Source, idempotencyKey credits.IdempotencyKey) (credits.MutationOutcome, error)
	Credit(ctx context.Context, sessionID credits.SessionID, amount credits.Amount, source credits.Source, idempotencyKey credits.IdempotencyKey) (credits.MutationOutcome, error)
}

// Translator performs the billable downstream work. The real AI-provider
// adapter lives outside this module.
type Translator interface {
	Translate(ctx context.Context, text string, targetLanguage string) (string, error)
}

// TranslatorFunc adapts a function to the Translator interface.
type TranslatorFunc func(ctx context.Context, text string, targetLanguage string) (string, error)

// Translate calls fn.
func (fn TranslatorFunc) Translate(ctx context.Context, text string, targetLanguage string) (string, error) {
	return fn(ctx, text, targetLanguage)
}

// Server wires the metering components behind a gin router.
type Server struct {
	logger     *zap.Logger
	ledger     Ledger
	tokens     *granttoken.Signer
	throttle   *throttle.Throttle
	coalescer  *coalesce.Coalescer
	translator Translator
	cfg        Config
}

// NewServer validates config and assembles the HTTP surface.
func NewServer(cfg Config, logger *zap.Logger, ledger Ledger, tokens *granttoken.Signer, attemptThrottle *throttle.Throttle, coalescer *coalesce.Coalescer, translator Translator) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil || ledger == nil || tokens == nil || attemptThrottle == nil || coalescer == nil || translator == nil {
		return nil, fmt.Errorf("httpapi: nil dependency")
	}
	return &Server{
		logger:     logger,
		ledger:     ledger,
		tokens:     tokens,
		throttle:   attemptThrottle,
		coalescer:  coalescer,
		translator: translator,
		cfg:        cfg,
	}, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("metering api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Router assembles the gin routes.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payment", server.handlePaymentWebhook)

	api := router.Group("/api")
	api.Use(server.sessionMiddleware())

	api.GET("/balance", server.handleBalance)
	api.POST("/bootstrap", server.handleBootstrap)
	api.POST("/claim", server.handleClaim)
	api.POST("/translate", server.handleTranslate)

	return router
}

// sessionMiddleware assigns every caller an anonymous session cookie.
func (server *Server) sessionMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sessionID, err := ctx.Cookie(server.cfg.SessionCookieName)
		if err != nil || sessionID == "" {
			sessionID = uuid.NewString()
			ctx.SetCookie(server.cfg.SessionCookieName, sessionID, sessionCookieMaxAge, "/", "", false, true)
		}
		ctx.Set(contextKeySessionID, sessionID)
		ctx.Next()
	}
}

func (server *Server) handleBalance(ctx *gin.Context) {
	sessionID, ok := server.sessionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	balance, err := server.ledger.Balance(requestCtx, sessionID)
	if err != nil {
		server.respondInfrastructureError(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(balance)})
}

func (server *Server) handleBootstrap(ctx *gin.Context) {
	sessionID, ok := server.sessionID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.ledger.Bootstrap(requestCtx, sessionID)
	if err != nil {
		server.respondInfrastructureError(ctx, "bootstrap failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(outcome.Balance)})
}

func (server *Server) handleClaim(ctx *gin.Context) {
	sessionID, ok := server.sessionID(ctx)
	if !ok {
		return
	}
	var request claimRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	grant, err := server.tokens.Redeem(request.Token)
	if errors.Is(err, granttoken.ErrInvalidToken) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_token", "grant token rejected"))
		return
	}
	if err != nil {
		server.respondInfrastructureError(ctx, "token redeem failed", err)
		return
	}
	amount, err := credits.NewAmount(grant.CreditAmount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_token", "grant token rejected"))
		return
	}
	source, err := credits.NewSource(sourcePurchase)
	if err != nil {
		server.respondInfrastructureError(ctx, "source build failed", err)
		return
	}
	// The grant identifier doubles as the idempotency key: redeeming the
	// same token twice credits once.
	idempotencyKey, err := credits.NewIdempotencyKey(grant.Identifier)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_token", "grant token rejected"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.ledger.Credit(requestCtx, sessionID, amount, source, idempotencyKey)
	if err != nil {
		server.respondInfrastructureError(ctx, "credit failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": balancePayloadFrom(outcome.Balance)})
}

func (server *Server) handleTranslate(ctx *gin.Context) {
	sessionID, ok := server.sessionID(ctx)
	if !ok {
		return
	}
	var request translateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.Text == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "text is required"))
		return
	}
	requestID := request.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	amount, err := credits.NewAmount(server.cfg.TranslationCost)
	if err != nil {
		server.respondInfrastructureError(ctx, "amount build failed", err)
		return
	}
	source, err := credits.NewSource(sourceTranslation)
	if err != nil {
		server.respondInfrastructureError(ctx, "source build failed", err)
		return
	}
	idempotencyKey, err := credits.NewIdempotencyKey(requestID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "request id rejected"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	outcome, err := server.ledger.Consume(requestCtx, sessionID, amount, source, idempotencyKey)
	if err != nil {
		server.respondInfrastructureError(ctx, "consume failed", err)
		return
	}
	if !outcome.OK {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error":   errorBody("insufficient_credits", "not enough credits remaining; purchase more to continue"),
			"balance": balancePayloadFrom(outcome.Balance),
		})
		return
	}

	// Concurrent retries of the same request share one provider call.
	translated, err := server.coalescer.Do(requestID, func() (any, error) {
		return server.translator.Translate(ctx.Request.Context(), request.Text, request.TargetLanguage)
	})
	if err != nil {
		server.refundAfterFailure(ctx.Request.Context(), sessionID, amount, idempotencyKey)
		server.logger.Error("translation failed", zap.Error(err), zap.String("request_id", requestID))
		ctx.JSON(http.StatusBadGateway, errorResponse("translation_failed", "temporary failure, please retry"))
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"translation": translated,
		"request_id":  requestID,
		"balance":     balancePayloadFrom(outcome.Balance),
	})
}

func (server *Server) handlePaymentWebhook(ctx *gin.Context) {
	providedKey := ctx.GetHeader(webhookKeyHeader)
	throttleKey := throttle.HashIdentifier(providedKey + "|" + ctx.ClientIP())
	if lock := server.throttle.IsLockedOut(throttleKey); lock.Locked {
		ctx.Header("Retry-After", fmt.Sprintf("%d", int(lock.RetryAfter.Seconds())+1))
		ctx.JSON(http.StatusTooManyRequests, errorResponse("locked_out", "too many failed attempts"))
		return
	}
	if subtle.ConstantTimeCompare([]byte(providedKey), []byte(server.cfg.WebhookSecret)) != 1 {
		failure := server.throttle.RecordFailure(throttleKey)
		if failure.Locked {
			ctx.Header("Retry-After", fmt.Sprintf("%d", int(failure.RetryAfter.Seconds())+1))
			ctx.JSON(http.StatusTooManyRequests, errorResponse("locked_out", "too many failed attempts"))
			return
		}
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "webhook key rejected"))
		return
	}
	server.throttle.RecordSuccess(throttleKey)

	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	token, err := server.tokens.Issue(request.CheckoutID, request.CreditAmount)
	if errors.Is(err, granttoken.ErrInvalidGrantInput) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "checkout id and credit amount are required"))
		return
	}
	if err != nil {
		server.respondInfrastructureError(ctx, "token issue failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"grant_token": token})
}

// refundAfterFailure reverses the consume after a downstream failure. Best
// effort on a fresh context: the request context may already be cancelled.
func (server *Server) refundAfterFailure(ctx context.Context, sessionID credits.SessionID, amount credits.Amount, idempotencyKey credits.IdempotencyKey) {
	source, err := credits.NewSource(sourceTranslationRefund)
	if err != nil {
		return
	}
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), server.cfg.RequestTimeout)
	defer cancel()
	if _, err := server.ledger.Refund(refundCtx, sessionID, amount, source, idempotencyKey); err != nil {
		server.logger.Error("refund after failure did not apply", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
}

func (server *Server) sessionID(ctx *gin.Context) (credits.SessionID, bool) {
	raw := ctx.GetString(contextKeySessionID)
	sessionID, err := credits.NewSessionID(raw)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_session", "missing session"))
		return credits.SessionID{}, false
	}
	return sessionID, true
}

// respondInfrastructureError classifies infrastructure failures into retryable
// and fatal responses without leaking internal detail.
func (server *Server) respondInfrastructureError(ctx *gin.Context, message string, err error) {
	server.logger.Error(message, zap.Error(err))
	if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, credits.ErrStoreBusy) {
		ctx.Header("Retry-After", "1")
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("busy", "temporarily busy, please retry"))
		return
	}
	if errors.Is(err, pool.ErrPoolClosed) {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "service unavailable"))
		return
	}
	if errors.Is(err, credits.ErrInvalidSessionID) || errors.Is(err, credits.ErrInvalidAmount) || errors.Is(err, credits.ErrInvalidIdempotencyKey) || errors.Is(err, credits.ErrInvalidSource) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "request rejected"))
		return
	}
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "temporary failure, please retry"))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": errorBody(code, message)}
}

func errorBody(code string, message string) gin.H {
	return gin.H{
		"code":    code,
		"message": message,
	}
}

type claimRequest struct {
	Token string `json:"token"`
}

type translateRequest struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
	RequestID      string `json:"request_id"`
}

type webhookRequest struct {
	CheckoutID   string `json:"checkout_id"`
	CreditAmount int64  `json:"credit_amount"`
}

type balancePayload struct {
	TotalCredits     int64 `json:"total_credits"`
	UsedCredits      int64 `json:"used_credits"`
	RemainingCredits int64 `json:"remaining_credits"`
}

func balancePayloadFrom(balance credits.Balance) balancePayload {
	return balancePayload{
		TotalCredits:     balance.TotalCredits,
		UsedCredits:      balance.UsedCredits,
		RemainingCredits: balance.Remaining(),
	}
}
