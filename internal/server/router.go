package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pagemark-labs/pagemark/internal/auth"
	"github.com/pagemark-labs/pagemark/internal/protocol"
	"github.com/pagemark-labs/pagemark/internal/syncstore"
	"github.com/pagemark-labs/pagemark/internal/users"
	"go.uber.org/zap"
)

const usernameContextKey = "pagemark_username"

var (
	errMissingUsersService = errors.New("users service dependency required")
	errMissingSyncStore    = errors.New("sync store dependency required")
)

// Dependencies wires the router to its services.
type Dependencies struct {
	Users  *users.Service
	Store  *syncstore.Service
	Logger *zap.Logger
}

// NewHTTPHandler builds the sync server's HTTP surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Store == nil {
		return nil, errMissingSyncStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", protocol.HeaderAuthUser, protocol.HeaderAuthKey},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		users:  deps.Users,
		store:  deps.Store,
		logger: logger,
	}

	router.GET("/healthcheck", handler.handleHealthcheck)
	router.POST("/users/create", handler.handleCreateUser)

	authenticated := router.Group("/")
	authenticated.Use(handler.authorizeRequest)
	authenticated.GET("/users/auth", handler.handleAuthUser)
	authenticated.PUT("/syncs/progress", handler.handleUpdateProgress)
	authenticated.GET("/syncs/progress/:document", handler.handleGetProgress)
	authenticated.GET("/syncs/annotations/:document", handler.handleGetAnnotations)
	authenticated.PUT("/syncs/annotations/:document", handler.handleUpdateAnnotations)

	return router, nil
}

type httpHandler struct {
	users  *users.Service
	store  *syncstore.Service
	logger *zap.Logger
}

func (h *httpHandler) handleHealthcheck(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.HealthResponse{State: "OK"})
}

func (h *httpHandler) handleCreateUser(c *gin.Context) {
	var request protocol.CreateUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "invalid request body")
		return
	}

	err := h.users.Register(c.Request.Context(), request.Username, request.Password)
	switch {
	case errors.Is(err, users.ErrUserExists):
		writeError(c, http.StatusPaymentRequired, protocol.CodeUserExists, "user already exists")
	case errors.Is(err, users.ErrInvalidUsername):
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "invalid username")
	case errors.Is(err, users.ErrInvalidSecret):
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "invalid password")
	case err != nil:
		h.logger.Error("user registration failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
	default:
		c.JSON(http.StatusCreated, protocol.CreateUserResponse{Username: request.Username})
	}
}

func (h *httpHandler) handleAuthUser(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.AuthResponse{Authorized: "OK"})
}

func (h *httpHandler) handleGetProgress(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	document, ok := requireDocument(c)
	if !ok {
		return
	}

	record, err := h.store.GetProgress(c.Request.Context(), username, document)
	if err != nil {
		h.logger.Error("progress read failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpdateProgress(c *gin.Context) {
	username := c.GetString(usernameContextKey)

	var request protocol.UpdateProgressRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "invalid request body")
		return
	}
	if request.Document == "" || strings.Contains(request.Document, ":") {
		writeError(c, http.StatusForbidden, protocol.CodeDocumentMissing, "document field missing")
		return
	}
	if request.Progress == "" || request.Device == "" {
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "missing required fields")
		return
	}

	timestamp, err := h.store.SetProgress(c.Request.Context(), username, request)
	if err != nil {
		h.logger.Error("progress write failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}
	c.JSON(http.StatusOK, protocol.UpdateProgressResponse{Document: request.Document, Timestamp: timestamp})
}

func (h *httpHandler) handleGetAnnotations(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	document, ok := requireDocument(c)
	if !ok {
		return
	}

	stored, err := h.store.GetAnnotations(c.Request.Context(), username, document)
	if err != nil {
		h.logger.Error("annotations read failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleUpdateAnnotations(c *gin.Context) {
	username := c.GetString(usernameContextKey)
	document, ok := requireDocument(c)
	if !ok {
		return
	}

	var request protocol.UpdateAnnotationsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusForbidden, protocol.CodeInvalidRequest, "invalid request body")
		return
	}

	version, timestamp, err := h.store.UpdateAnnotations(c.Request.Context(), username, document, request)
	if errors.Is(err, syncstore.ErrVersionConflict) {
		writeError(c, http.StatusConflict, protocol.CodeVersionConflict, "version conflict")
		return
	}
	if err != nil {
		h.logger.Error("annotations write failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		return
	}
	c.JSON(http.StatusOK, protocol.UpdateAnnotationsResponse{Version: version, Timestamp: timestamp})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	credentials, err := auth.FromHeaders(c.Request.Header)
	if err != nil {
		abortUnauthorized(c)
		return
	}

	verified, err := h.users.Verify(c.Request.Context(), credentials.Username, credentials.Secret)
	if err != nil {
		h.logger.Error("credential verification failed", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternalError, "internal error")
		c.Abort()
		return
	}
	if !verified {
		abortUnauthorized(c)
		return
	}

	c.Set(usernameContextKey, credentials.Username)
	c.Next()
}

func requireDocument(c *gin.Context) (string, bool) {
	document := c.Param("document")
	if document == "" || strings.Contains(document, ":") {
		writeError(c, http.StatusForbidden, protocol.CodeDocumentMissing, "document field missing")
		return "", false
	}
	return document, true
}

func writeError(c *gin.Context, status, code int, message string) {
	c.JSON(status, protocol.ErrorResponse{Code: code, Message: message})
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized,
		protocol.ErrorResponse{Code: protocol.CodeUnauthorized, Message: "unauthorized"})
}
