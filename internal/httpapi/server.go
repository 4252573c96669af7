package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fueldesk/settlement/pkg/settlement"
)

// Settler is the slice of the settlement service the API serves.
type Settler interface {
	Allocate(ctx context.Context, customerID settlement.CustomerID, payment settlement.Payment) (settlement.SettlementResult, error)
	Evaluate(ctx context.Context, customerID settlement.CustomerID) (settlement.OverdueStatus, error)
	History(ctx context.Context, customerID settlement.CustomerID, beforeUnixUTC int64, limit int) ([]settlement.LedgerLine, error)
}

// Run boots the HTTP API using the supplied configuration and service.
func Run(ctx context.Context, cfg Config, settler Settler, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	router := setupRouter(cfg, &httpHandler{logger: logger, settler: settler})
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlement api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/payments", handler.handlePayment)
	api.GET("/customers/:id/overdue", handler.handleOverdue)
	api.GET("/customers/:id/ledger", handler.handleLedger)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	settler Settler
}

type paymentRequest struct {
	CustomerID     string `json:"customer_id"`
	AmountCents    int64  `json:"amount_cents"`
	PaymentType    string `json:"payment_type"`
	PaymentDate    string `json:"payment_date"`
	Remarks        string `json:"remarks"`
	IdempotencyKey string `json:"idempotency_key"`
}

type settlementResponse struct {
	Policy                  string   `json:"policy"`
	NewBalanceCents         int64    `json:"new_balance_cents"`
	AmountAppliedCents      int64    `json:"amount_applied_cents"`
	ChargesSettled          int      `json:"charges_settled"`
	AmountSettledCents      int64    `json:"amount_settled_cents"`
	LeftoverAvailableCents  int64    `json:"leftover_available_cents"`
	DaysCleared             int      `json:"days_cleared"`
	TotalDayAmountCents     int64    `json:"total_day_amount_cents"`
	DayRemainingAmountCents int64    `json:"day_remaining_amount_cents"`
	IsOverdue               bool     `json:"is_overdue"`
	SettledChargeIDs        []string `json:"settled_charge_ids"`
	PendingChargeIDs        []string `json:"pending_charge_ids"`
}

func (handler *httpHandler) handlePayment(ctx *gin.Context) {
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "invalid payment payload"))
		return
	}
	customerID, err := settlement.NewCustomerID(request.CustomerID)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	amount, err := settlement.NewAmountCents(request.AmountCents)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	key, err := settlement.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	metadata, err := paymentMetadata(request)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	receivedAt, err := parsePaymentDate(request.PaymentDate)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "invalid payment date"))
		return
	}

	result, err := handler.settler.Allocate(ctx.Request.Context(), customerID, settlement.Payment{
		Amount:         amount,
		ReceivedAt:     receivedAt,
		Metadata:       metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		handler.logger.Warn("payment rejected", zap.String("customer_id", customerID.String()), zap.Error(err))
		respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, settlementResponse{
		Policy:                  result.Policy.String(),
		NewBalanceCents:         result.NewBalanceCents.Int64(),
		AmountAppliedCents:      result.AmountAppliedCents,
		ChargesSettled:          result.ChargesSettled,
		AmountSettledCents:      result.AmountSettledCents,
		LeftoverAvailableCents:  result.LeftoverAvailableCents,
		DaysCleared:             result.DaysCleared,
		TotalDayAmountCents:     result.TotalDayAmountCents,
		DayRemainingAmountCents: result.DayRemainingAmountCents,
		IsOverdue:               result.IsOverdue,
		SettledChargeIDs:        result.SettledChargeIDs,
		PendingChargeIDs:        result.PendingChargeIDs,
	})
}

func (handler *httpHandler) handleOverdue(ctx *gin.Context) {
	customerID, err := settlement.NewCustomerID(ctx.Param("id"))
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	status, err := handler.settler.Evaluate(ctx.Request.Context(), customerID)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	var oldest *string
	if status.OldestUnpaidAt != nil {
		formatted := status.OldestUnpaidAt.UTC().Format(time.RFC3339)
		oldest = &formatted
	}
	ctx.JSON(http.StatusOK, gin.H{
		"is_overdue":       status.IsOverdue,
		"days_overdue":     status.DaysOverdue,
		"oldest_unpaid_at": oldest,
	})
}

func (handler *httpHandler) handleLedger(ctx *gin.Context) {
	customerID, err := settlement.NewCustomerID(ctx.Param("id"))
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	limit := defaultLedgerLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("bad_request", "invalid limit"))
			return
		}
		if parsed > maxLedgerLimit {
			parsed = maxLedgerLimit
		}
		limit = parsed
	}
	lines, err := handler.settler.History(ctx.Request.Context(), customerID, 0, limit)
	if err != nil {
		respondDomainError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(lines))
	for _, line := range lines {
		payload = append(payload, gin.H{
			"line_id":                 line.LineID,
			"direction":               line.Direction.String(),
			"credit_amount_cents":     line.CreditAmountCents,
			"resulting_balance_cents": line.ResultingBalanceCents,
			"resulting_limit_cents":   line.ResultingLimitCents,
			"actor_id":                line.ActorID,
			"created_at":              line.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"lines": payload})
}

func paymentMetadata(request paymentRequest) (settlement.MetadataJSON, error) {
	raw, err := json.Marshal(map[string]string{
		"payment_type": request.PaymentType,
		"remarks":      request.Remarks,
	})
	if err != nil {
		return settlement.MetadataJSON{}, err
	}
	return settlement.NewMetadataJSON(string(raw))
}

func parsePaymentDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", raw)
}

func respondDomainError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrInvalidCustomerID),
		errors.Is(err, settlement.ErrInvalidIdempotencyKey),
		errors.Is(err, settlement.ErrInvalidMetadataJSON):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, settlement.ErrCustomerNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("customer_not_found", err.Error()))
	case errors.Is(err, settlement.ErrDuplicatePaymentKey):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_payment", err.Error()))
	case errors.Is(err, settlement.ErrUnknownBillingPolicy):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("unknown_billing_policy", err.Error()))
	default:
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal", "settlement failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}
