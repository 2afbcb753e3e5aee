package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contextseq/internal/auth"
	"github.com/MarcoPoloResearchLab/contextseq/internal/counters"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	operatorContextKey  = "contextseq_operator"
	requestIDHeader     = "X-Request-ID"
	defaultHeartbeat    = 25 * time.Second
	maxRecordsPerCreate = 1000
)

var (
	errMissingEngine        = errors.New("counter engine dependency required")
	errMissingDatabase      = errors.New("database dependency required")
	errMissingCatalog       = errors.New("schema catalog dependency required")
	errMissingTokenManager  = errors.New("token validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates operator requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Engine    *counters.Engine
	Database  *gorm.DB
	Catalog   counters.SchemaInspector
	Tokens    TokenValidator
	Events    *EventBroker
	Logger    *zap.Logger
	Heartbeat time.Duration
}

// NewHTTPHandler builds the management API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Database == nil {
		return nil, errMissingDatabase
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventBroker()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		engine:    deps.Engine,
		db:        deps.Database,
		catalog:   deps.Catalog,
		tokens:    deps.Tokens,
		events:    events,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/definitions", handler.handleListDefinitions)
	protected.POST("/definitions", handler.handleCreateDefinition)
	protected.PATCH("/definitions/:counter_id", handler.handleUpdateDefinition)
	protected.PATCH("/definitions/:counter_id/:collection", handler.handleUpdateDefinition)
	protected.DELETE("/definitions/:counter_id/:collection", handler.handleDeleteDefinition)
	protected.POST("/definitions/:counter_id/:collection/toggle", handler.handleToggleDefinition)
	protected.POST("/definitions/:counter_id/:collection/next", handler.handleNextValue)
	protected.POST("/sync", handler.handleSync)
	protected.GET("/values", handler.handleListValues)
	protected.POST("/collections/:collection/records", handler.handleWriteRecords)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)
		c.Next()
	}
}

type httpHandler struct {
	engine    *counters.Engine
	db        *gorm.DB
	catalog   counters.SchemaInspector
	tokens    TokenValidator
	events    *EventBroker
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type definitionPayload struct {
	CounterID        string    `json:"counter_id"`
	TargetCollection string    `json:"target_collection"`
	Fields           []string  `json:"fields"`
	KeyFields        []string  `json:"key_fields"`
	CounterField     string    `json:"counter_field"`
	Description      string    `json:"description"`
	Active           bool      `json:"active"`
	HookInstalled    bool      `json:"hook_installed"`
	HookName         string    `json:"hook_name"`
	CollectionExists *bool     `json:"collection_exists,omitempty"`
	HookPresent      *bool     `json:"hook_present,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newDefinitionPayload(definition counters.Definition) definitionPayload {
	return definitionPayload{
		CounterID:        definition.CounterID,
		TargetCollection: definition.TargetCollection,
		Fields:           append([]string(nil), definition.Fields...),
		KeyFields:        definition.KeyFields(),
		CounterField:     definition.CounterField(),
		Description:      definition.Description,
		Active:           definition.Active,
		HookInstalled:    definition.HookInstalled,
		HookName:         definition.HookName,
		CreatedAt:        definition.CreatedAt,
		UpdatedAt:        definition.UpdatedAt,
	}
}

type definitionListPayload struct {
	Definitions []definitionPayload `json:"definitions"`
}

func (h *httpHandler) handleListDefinitions(c *gin.Context) {
	views, err := h.engine.Registry.Get(c.Request.Context(), counters.Filter{
		CounterID:        c.Query("counter_id"),
		TargetCollection: c.Query("collection"),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := definitionListPayload{Definitions: make([]definitionPayload, 0, len(views))}
	for _, view := range views {
		payload := newDefinitionPayload(view.Definition)
		collectionExists := view.CollectionExists
		hookPresent := view.HookPresent
		payload.CollectionExists = &collectionExists
		payload.HookPresent = &hookPresent
		response.Definitions = append(response.Definitions, payload)
	}
	c.JSON(http.StatusOK, response)
}

type createDefinitionRequest struct {
	CounterID        string   `json:"counter_id"`
	TargetCollection string   `json:"target_collection"`
	Fields           []string `json:"fields"`
	Description      string   `json:"description"`
	HookName         string   `json:"hook_name"`
	Active           *bool    `json:"active"`
}

func (h *httpHandler) handleCreateDefinition(c *gin.Context) {
	var request createDefinitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	definition, err := h.engine.Registry.Create(c.Request.Context(), counters.CreateRequest{
		CounterID:        request.CounterID,
		TargetCollection: request.TargetCollection,
		Fields:           request.Fields,
		Description:      request.Description,
		HookName:         request.HookName,
		Active:           request.Active,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.audit(c, "counter definition created", definition.CounterID, definition.TargetCollection)
	h.events.Publish(Event{Type: EventDefinitionCreated, CounterID: definition.CounterID, Collection: definition.TargetCollection})
	c.JSON(http.StatusCreated, newDefinitionPayload(definition))
}

type updateDefinitionRequest struct {
	TargetCollection *string  `json:"target_collection"`
	Fields           []string `json:"fields"`
	Description      *string  `json:"description"`
	Active           *bool    `json:"active"`
}

func (h *httpHandler) handleUpdateDefinition(c *gin.Context) {
	var request updateDefinitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	definition, err := h.engine.Registry.Update(c.Request.Context(), counters.UpdateRequest{
		CounterID:           c.Param("counter_id"),
		TargetCollection:    c.Param("collection"),
		NewTargetCollection: request.TargetCollection,
		Fields:              request.Fields,
		Description:         request.Description,
		Active:              request.Active,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.audit(c, "counter definition updated", definition.CounterID, definition.TargetCollection)
	h.events.Publish(Event{Type: EventDefinitionUpdated, CounterID: definition.CounterID, Collection: definition.TargetCollection})
	if previous := strings.TrimSpace(c.Param("collection")); previous != "" && previous != definition.TargetCollection {
		h.events.Publish(Event{Type: EventDefinitionUpdated, CounterID: definition.CounterID, Collection: previous})
	}
	c.JSON(http.StatusOK, newDefinitionPayload(definition))
}

func (h *httpHandler) handleDeleteDefinition(c *gin.Context) {
	cascade := false
	if raw := strings.TrimSpace(c.Query("cascade")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cascade"})
			return
		}
		cascade = parsed
	}
	counterID := c.Param("counter_id")
	collection := c.Param("collection")
	if err := h.engine.Registry.Delete(c.Request.Context(), counterID, collection, cascade); err != nil {
		h.writeError(c, err)
		return
	}
	h.audit(c, "counter definition deleted", counterID, collection)
	h.events.Publish(Event{Type: EventDefinitionDeleted, CounterID: counterID, Collection: collection})
	c.Status(http.StatusNoContent)
}

type toggleDefinitionRequest struct {
	Active *bool `json:"active"`
}

func (h *httpHandler) handleToggleDefinition(c *gin.Context) {
	var request toggleDefinitionRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Active == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	definition, err := h.engine.Registry.Toggle(c.Request.Context(), c.Param("counter_id"), c.Param("collection"), *request.Active)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.audit(c, "counter definition toggled", definition.CounterID, definition.TargetCollection)
	h.events.Publish(Event{Type: EventDefinitionToggled, CounterID: definition.CounterID, Collection: definition.TargetCollection})
	c.JSON(http.StatusOK, newDefinitionPayload(definition))
}

type nextValueRequest struct {
	KeyValues []string `json:"key_values"`
}

type nextValueResponse struct {
	CounterID        string `json:"counter_id"`
	TargetCollection string `json:"target_collection"`
	ScopeKey         string `json:"scope_key"`
	Value            int64  `json:"value"`
}

func (h *httpHandler) handleNextValue(c *gin.Context) {
	var request nextValueRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	counterID := strings.TrimSpace(c.Param("counter_id"))
	collection := strings.TrimSpace(c.Param("collection"))
	value, err := h.engine.Registry.Next(c.Request.Context(), counterID, collection, request.KeyValues)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.events.Publish(Event{Type: EventValueIssued, CounterID: counterID, Collection: collection, Value: value})
	c.JSON(http.StatusOK, nextValueResponse{
		CounterID:        counterID,
		TargetCollection: collection,
		ScopeKey:         counters.ComposeScopeKey(request.KeyValues).String(),
		Value:            value,
	})
}

type syncResponse struct {
	Checked int                 `json:"checked"`
	Drifted []definitionPayload `json:"drifted"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	report, err := h.engine.Orchestrator.SyncAll(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := syncResponse{Checked: report.Checked, Drifted: make([]definitionPayload, 0, len(report.Drifted))}
	for _, definition := range report.Drifted {
		definition.HookInstalled = false
		response.Drifted = append(response.Drifted, newDefinitionPayload(definition))
		h.events.Publish(Event{Type: EventHookDrifted, CounterID: definition.CounterID, Collection: definition.TargetCollection})
	}
	c.JSON(http.StatusOK, response)
}

type valuePayload struct {
	CounterID        string    `json:"counter_id"`
	TargetCollection string    `json:"target_collection"`
	ScopeKey         string    `json:"scope_key"`
	Value            int64     `json:"value"`
	LastUsedAt       time.Time `json:"last_used_at"`
	CreatedAt        time.Time `json:"created_at"`
}

type valueListPayload struct {
	Values []valuePayload `json:"values"`
}

func (h *httpHandler) handleListValues(c *gin.Context) {
	views, err := h.engine.Registry.ListValues(c.Request.Context(), c.Query("counter_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := valueListPayload{Values: make([]valuePayload, 0, len(views))}
	for _, view := range views {
		response.Values = append(response.Values, valuePayload{
			CounterID:        view.CounterID,
			TargetCollection: view.TargetCollection,
			ScopeKey:         view.ScopeKey,
			Value:            view.Value,
			LastUsedAt:       view.LastUsedAt,
			CreatedAt:        view.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, response)
}

type recordsResponse struct {
	Collection string                   `json:"collection"`
	Records    []map[string]interface{} `json:"records"`
}

// handleWriteRecords inserts one JSON object or an array of objects into a collection.
// The insert runs through GORM, so installed hooks fill missing counter fields.
func (h *httpHandler) handleWriteRecords(c *gin.Context) {
	collection := strings.TrimSpace(c.Param("collection"))
	exists, err := h.catalog.CollectionExists(c.Request.Context(), collection)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "collection_not_found"})
		return
	}

	rows, err := decodeRecords(c.Request)
	if err != nil || len(rows) == 0 || len(rows) > maxRecordsPerCreate {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_records"})
		return
	}

	query := h.db.WithContext(c.Request.Context()).Table(collection)
	if len(rows) == 1 {
		err = query.Create(rows[0]).Error
	} else {
		err = query.Create(rows).Error
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.events.Publish(Event{Type: EventRecordsWritten, Collection: collection, Count: len(rows)})
	c.JSON(http.StatusCreated, recordsResponse{Collection: collection, Records: rows})
}

func decodeRecords(request *http.Request) ([]map[string]interface{}, error) {
	decoder := json.NewDecoder(request.Body)
	decoder.UseNumber()
	var raw interface{}
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	var objects []interface{}
	switch typed := raw.(type) {
	case map[string]interface{}:
		objects = []interface{}{typed}
	case []interface{}:
		objects = typed
	default:
		return nil, fmt.Errorf("expected an object or an array of objects")
	}
	rows := make([]map[string]interface{}, 0, len(objects))
	for _, object := range objects {
		row, ok := object.(map[string]interface{})
		if !ok || len(row) == 0 {
			return nil, fmt.Errorf("expected an object or an array of objects")
		}
		for key, value := range row {
			row[key] = normalizeJSONValue(value)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// normalizeJSONValue turns json.Number into int64 or float64 so drivers bind native numbers.
func normalizeJSONValue(value interface{}) interface{} {
	number, ok := value.(json.Number)
	if !ok {
		return value
	}
	if integer, err := number.Int64(); err == nil {
		return integer
	}
	if float, err := number.Float64(); err == nil {
		return float
	}
	return number.String()
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	collection := strings.TrimSpace(c.Query("collection"))
	if collection == "" {
		collection = AllCollections
	}
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, collection)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.tokens.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		case errors.Is(err, auth.ErrExpiredToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) audit(c *gin.Context, message, counterID, collection string) {
	h.logger.Info(message,
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("request_id", c.Writer.Header().Get(requestIDHeader)),
		zap.String("counter_id", counterID),
		zap.String("collection", collection))
}

type errorPayload struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	CounterID  string `json:"counter_id,omitempty"`
	Collection string `json:"collection,omitempty"`
	Message    string `json:"message"`
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, kind := classifyError(err)
	payload := errorPayload{Error: kind, Message: err.Error()}
	var serviceErr *counters.ServiceError
	if errors.As(err, &serviceErr) {
		payload.Code = serviceErr.Code()
		payload.CounterID = serviceErr.CounterID()
		payload.Collection = serviceErr.Collection()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.Writer.Header().Get(requestIDHeader)),
			zap.Error(err))
		payload.Message = "internal error"
	}
	c.JSON(status, payload)
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, counters.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, counters.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, counters.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, counters.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, counters.ErrType):
		return http.StatusUnprocessableEntity, "type_error"
	case errors.Is(err, counters.ErrInactive):
		return http.StatusConflict, "inactive"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
