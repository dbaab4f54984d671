package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/claimsync/internal/auth"
	"github.com/MarcoPoloResearchLab/claimsync/internal/claims"
	"github.com/MarcoPoloResearchLab/claimsync/internal/deltasync"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	providerIDContextKey     = "claimsync_provider_id"
	providerIDParam          = "provider_id"
	recordIDParam            = "id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingClaimsService  = errors.New("claims service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenValidator    TokenValidator
	ClaimsService     *claims.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the claims API. Every route requires a bearer token whose
// subject is the calling provider.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.ClaimsService == nil {
		return nil, errMissingClaimsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenValidator,
		claimsService:     deps.ClaimsService,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/members", handler.handleCreate(deltasync.ModelTypeMember))
	protected.PATCH("/members/:id", handler.handleUpdate(deltasync.ModelTypeMember))
	protected.PATCH("/identification_events/:id", handler.handleUpdate(deltasync.ModelTypeIdentificationEvent))
	protected.PATCH("/encounters/:id", handler.handleUpdate(deltasync.ModelTypeEncounter))

	scoped := protected.Group("/providers/:provider_id")
	scoped.Use(handler.requireProviderMatch)
	scoped.POST("/identification_events", handler.handleCreate(deltasync.ModelTypeIdentificationEvent))
	scoped.GET("/identification_events/open", handler.handleListOpenIdentificationEvents)
	scoped.POST("/encounters", handler.handleCreate(deltasync.ModelTypeEncounter))
	scoped.GET("/encounters", handler.handleList(deltasync.ModelTypeEncounter))
	scoped.POST("/price_schedules", handler.handleCreate(deltasync.ModelTypePriceSchedule))
	scoped.GET("/changes/stream", handler.handleChangeStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	claimsService     *claims.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

type recordsResponsePayload struct {
	Records []deltasync.Record `json:"records"`
}

type changeEventPayload struct {
	ModelType string   `json:"modelType"`
	RecordIDs []string `json:"recordIds"`
	Timestamp int64    `json:"timestamp"`
}

func (h *httpHandler) handleCreate(modelType deltasync.ModelType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID, ok := h.providerFromContext(c)
		if !ok {
			return
		}
		var payload deltasync.Record
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		stored, err := h.claimsService.Create(c.Request.Context(), providerID, modelType, payload)
		if err != nil {
			h.writeServiceError(c, err)
			return
		}
		h.publishChange(providerID, modelType, stored.ID())
		c.JSON(http.StatusCreated, stored)
	}
}

func (h *httpHandler) handleUpdate(modelType deltasync.ModelType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID, ok := h.providerFromContext(c)
		if !ok {
			return
		}
		recordID, err := claims.NewRecordID(c.Param(recordIDParam))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_id"})
			return
		}
		var patch deltasync.Record
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}

		merged, err := h.claimsService.Update(c.Request.Context(), providerID, modelType, recordID, patch)
		if err != nil {
			h.writeServiceError(c, err)
			return
		}
		h.publishChange(providerID, modelType, recordID.String())
		c.JSON(http.StatusOK, merged)
	}
}

func (h *httpHandler) handleList(modelType deltasync.ModelType) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID, ok := h.providerFromContext(c)
		if !ok {
			return
		}
		records, err := h.claimsService.List(c.Request.Context(), providerID, modelType)
		if err != nil {
			h.writeServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, recordsResponsePayload{Records: records})
	}
}

func (h *httpHandler) handleListOpenIdentificationEvents(c *gin.Context) {
	providerID, ok := h.providerFromContext(c)
	if !ok {
		return
	}
	records, err := h.claimsService.ListOpenIdentificationEvents(c.Request.Context(), providerID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordsResponsePayload{Records: records})
}

func (h *httpHandler) handleChangeStream(c *gin.Context) {
	providerID, ok := h.providerFromContext(c)
	if !ok {
		return
	}
	requestContext := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(requestContext, providerID.String())
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent(realtimeEventReady, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, changeEventPayload{
				ModelType: message.ModelType,
				RecordIDs: message.RecordIDs,
				Timestamp: message.Timestamp.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

func (h *httpHandler) publishChange(providerID claims.ProviderID, modelType deltasync.ModelType, recordID string) {
	h.realtime.Publish(RealtimeMessage{
		ProviderID: providerID.String(),
		EventType:  RealtimeEventRecordChanged,
		ModelType:  modelType.String(),
		RecordIDs:  []string{recordID},
		Timestamp:  time.Now().UTC(),
	})
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, claims.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, claims.ErrRecordOwnedElsewhere):
		status = http.StatusConflict
	case errors.Is(err, claims.ErrInvalidRecordID),
		errors.Is(err, claims.ErrUnsupportedOperation),
		errors.Is(err, deltasync.ErrUnknownModelType):
		status = http.StatusBadRequest
	}

	body := gin.H{"error": err.Error()}
	var serviceErr *claims.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("claims request failed", zap.Error(err))
		body["error"] = "internal_error"
	}
	c.JSON(status, body)
}

func (h *httpHandler) providerFromContext(c *gin.Context) (claims.ProviderID, bool) {
	providerID, err := claims.NewProviderID(c.GetString(providerIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return providerID, true
}

func (h *httpHandler) requireProviderMatch(c *gin.Context) {
	if strings.TrimSpace(c.Param(providerIDParam)) != c.GetString(providerIDContextKey) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(providerIDContextKey, subject)
	c.Next()
}
