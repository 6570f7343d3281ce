// Package gateapi serves the browser-facing HTTP API in front of the gate gRPC service.
package gateapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	gatev1 "github.com/MarkoPoloResearchLab/labgate/api/gate/v1"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	claimsContextKey = "auth_claims"
	headerDeviceID   = "X-Device-ID"
	accountPrefix    = "account:"
)

// Run boots the HTTP façade using the supplied configuration.
func Run(ctx context.Context, cfg Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	dialOptions := []grpc.DialOption{}
	if cfg.GateInsecure {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	conn, err := grpc.NewClient(cfg.GateAddress, dialOptions...)
	if err != nil {
		return fmt.Errorf("connect gate: %w", err)
	}
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		_ = conn.Close()
		return fmt.Errorf("connect gate: %w", err)
	}
	defer conn.Close()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:     logger,
		gateClient: gatev1.NewGateServiceClient(conn),
		cfg:        cfg,
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           setupRouter(cfg, handler, sessionValidator),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateapi listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", headerDeviceID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/device/unlocks", handler.handleDeviceUnlock)
	api.GET("/device/unlocks/:productID", handler.handleDeviceStatus)
	api.POST("/demand/signals", handler.handleDeviceSignal)
	api.GET("/demand/queue", handler.handleQueue)
	api.GET("/demand/:productKey", handler.handleDemand)

	account := api.Group("/account")
	account.Use(validator.GinMiddleware(claimsContextKey))
	account.GET("/session", handler.handleSession)
	account.POST("/unlocks", handler.handleAccountUnlock)
	account.GET("/unlocks/:productID", handler.handleAccountStatus)
	account.POST("/demand/signals", handler.handleAccountSignal)

	return router
}

type httpHandler struct {
	logger     *zap.Logger
	gateClient gatev1.GateServiceClient
	cfg        Config
}

type unlockRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Email     string `json:"email"`
}

// signalRequest carries one vote; batched counts are only accepted on the gRPC surface.
type signalRequest struct {
	ProductKey string `json:"product_key" binding:"required"`
	SignalType string `json:"signal_type" binding:"required"`
}

func (handler *httpHandler) handleDeviceUnlock(ctx *gin.Context) {
	var request unlockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "product_id is required"))
		return
	}
	handler.forward(ctx, gatev1.MethodRequestUnlock, map[string]any{
		gatev1.FieldProductID: request.ProductID,
		gatev1.FieldDeviceID:  deviceIDFrom(ctx),
		gatev1.FieldEmail:     request.Email,
	})
}

func (handler *httpHandler) handleDeviceStatus(ctx *gin.Context) {
	handler.forward(ctx, gatev1.MethodCheckUnlockStatus, map[string]any{
		gatev1.FieldProductID: ctx.Param("productID"),
		gatev1.FieldDeviceID:  deviceIDFrom(ctx),
	})
}

func (handler *httpHandler) handleDeviceSignal(ctx *gin.Context) {
	var request signalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "product_key and signal_type are required"))
		return
	}
	deviceID := deviceIDFrom(ctx)
	if deviceID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("missing_device_id", headerDeviceID+" header is required"))
		return
	}
	handler.recordVote(ctx, request, deviceID, false)
}

func (handler *httpHandler) handleDemand(ctx *gin.Context) {
	handler.forward(ctx, gatev1.MethodGetDemand, map[string]any{
		gatev1.FieldProductKey: ctx.Param("productKey"),
	})
}

func (handler *httpHandler) handleQueue(ctx *gin.Context) {
	limit, err := parseRankLimit(ctx.Query("limit"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", err.Error()))
		return
	}
	handler.forward(ctx, gatev1.MethodRankQueue, map[string]any{gatev1.FieldLimit: limit})
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"roles":      claims.GetUserRoles(),
		"subscriber": handler.isSubscriber(claims),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (handler *httpHandler) handleAccountUnlock(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request unlockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "product_id is required"))
		return
	}
	email := request.Email
	if strings.TrimSpace(email) == "" {
		email = claims.GetUserEmail()
	}
	handler.forward(ctx, gatev1.MethodRequestUnlock, map[string]any{
		gatev1.FieldProductID:    request.ProductID,
		gatev1.FieldDeviceID:     deviceIDFrom(ctx),
		gatev1.FieldAccountID:    claims.GetUserID(),
		gatev1.FieldEmail:        email,
		gatev1.FieldIsSubscriber: handler.isSubscriber(claims),
	})
}

func (handler *httpHandler) handleAccountStatus(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	handler.forward(ctx, gatev1.MethodCheckUnlockStatus, map[string]any{
		gatev1.FieldProductID:    ctx.Param("productID"),
		gatev1.FieldDeviceID:     deviceIDFrom(ctx),
		gatev1.FieldAccountID:    claims.GetUserID(),
		gatev1.FieldIsSubscriber: handler.isSubscriber(claims),
	})
}

func (handler *httpHandler) handleAccountSignal(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request signalRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "product_key and signal_type are required"))
		return
	}
	handler.recordVote(ctx, request, accountPrefix+claims.GetUserID(), handler.isSubscriber(claims))
}

// recordVote admits one vote per fingerprint and product.
func (handler *httpHandler) recordVote(ctx *gin.Context, request signalRequest, fingerprint string, verified bool) {
	voted, ok := handler.call(ctx, gatev1.MethodHasVoted, map[string]any{
		gatev1.FieldProductKey:  request.ProductKey,
		gatev1.FieldFingerprint: fingerprint,
	})
	if !ok {
		return
	}
	if hasVoted, _ := voted[gatev1.FieldHasVoted].(bool); hasVoted {
		ctx.JSON(http.StatusConflict, errorResponse("already_voted", "this device already voted for "+request.ProductKey))
		return
	}
	handler.forward(ctx, gatev1.MethodRecordSignal, signalFields(request, fingerprint, verified))
}

func (handler *httpHandler) forward(ctx *gin.Context, method string, fields map[string]any) {
	response, ok := handler.call(ctx, method, fields)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, response)
}

// call writes the error response itself and reports false when the gate call failed.
func (handler *httpHandler) call(ctx *gin.Context, method string, fields map[string]any) (map[string]any, bool) {
	request, err := structpb.NewStruct(fields)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return nil, false
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.GateTimeout)
	defer cancel()
	response, err := handler.gateClient.Call(requestCtx, method, request)
	if err != nil {
		httpStatus, code := httpErrorFor(err)
		if httpStatus == http.StatusBadGateway {
			handler.logger.Error("gate call failed", zap.String("method", method), zap.Error(err))
		}
		ctx.JSON(httpStatus, errorResponse(code, status.Convert(err).Message()))
		return nil, false
	}
	return response.AsMap(), true
}

func (handler *httpHandler) isSubscriber(claims *sessionvalidator.Claims) bool {
	return slices.Contains(claims.GetUserRoles(), handler.cfg.SubscriberRole)
}

func signalFields(request signalRequest, fingerprint string, verified bool) map[string]any {
	return map[string]any{
		gatev1.FieldProductKey:       request.ProductKey,
		gatev1.FieldSignalType:       request.SignalType,
		gatev1.FieldFingerprint:      fingerprint,
		gatev1.FieldIsVerifiedMember: verified,
		gatev1.FieldCount:            1,
	}
}

func deviceIDFrom(ctx *gin.Context) string {
	return strings.TrimSpace(ctx.GetHeader(headerDeviceID))
}

func parseRankLimit(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultRankLimit, nil
	}
	limit, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || limit <= 0 || limit > maxRankLimit {
		return 0, fmt.Errorf("limit must be between 1 and %d", maxRankLimit)
	}
	return limit, nil
}

func httpErrorFor(err error) (int, string) {
	statusInfo, ok := status.FromError(err)
	if !ok {
		return http.StatusBadGateway, "gate_error"
	}
	switch statusInfo.Code() {
	case codes.NotFound:
		return http.StatusNotFound, "not_found"
	case codes.PermissionDenied:
		return http.StatusForbidden, "forbidden"
	case codes.InvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	case codes.FailedPrecondition:
		return http.StatusConflict, "conflict"
	case codes.DeadlineExceeded, codes.Unavailable:
		return http.StatusServiceUnavailable, "gate_unavailable"
	default:
		return http.StatusBadGateway, "gate_error"
	}
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

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
