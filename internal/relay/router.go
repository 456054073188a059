package relay

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wayfarer/internal/auth"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/engagement"
	"github.com/MarcoPoloResearchLab/wayfarer/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "wayfarer_identity"

var (
	errMissingValidator  = errors.New("token validator dependency required")
	errMissingUsers      = errors.New("users service dependency required")
	errMissingEngagement = errors.New("engagement service dependency required")
	errMissingHub        = errors.New("hub dependency required")
)

// TokenValidator authenticates handshake and REST requests.
type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.HandshakeClaims, error)
}

type Dependencies struct {
	Validator      TokenValidator
	Users          *users.Service
	Engagement     *engagement.Service
	Hub            *Hub
	Logger         *zap.Logger
	AllowedOrigins []string
	Peer           PeerConfig
	RequestTimeout time.Duration
	CommentPage    int
}

type followerPayload struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type followersResponse struct {
	Followers []followerPayload `json:"followers"`
}

type httpHandler struct {
	validator  TokenValidator
	users      *users.Service
	engagement *engagement.Service
	hub        *Hub
	events     *eventHandlers
	upgrader   websocket.Upgrader
	peerConfig PeerConfig
	logger     *zap.Logger
}

// NewHTTPHandler builds the relay router: the /ws event channel, follower
// endpoints and a health check.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Engagement == nil {
		return nil, errMissingEngagement
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	requestTimeout := deps.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	commentPage := deps.CommentPage
	if commentPage <= 0 {
		commentPage = defaultCommentPage
	}

	handler := &httpHandler{
		validator:  deps.Validator,
		users:      deps.Users,
		engagement: deps.Engagement,
		hub:        deps.Hub,
		events: &eventHandlers{
			hub:            deps.Hub,
			engagement:     deps.Engagement,
			users:          deps.Users,
			logger:         logger,
			requestTimeout: requestTimeout,
			commentPage:    commentPage,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		peerConfig: deps.Peer.withDefaults(),
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/users/:user_id/followers", handler.handleListFollowers)
	protected.PUT("/users/:user_id/followers", handler.handleFollow)
	protected.DELETE("/users/:user_id/followers", handler.handleUnfollow)

	return router, nil
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	identity, ok := h.authenticate(c)
	if !ok {
		return
	}
	if _, err := h.users.Touch(identity); err != nil {
		h.logger.Warn("profile refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := newPeer(uuid.NewString(), identity, conn, h.hub, h.peerConfig, h.logger)
	h.hub.Register(peer)
	peer.logger.Info("peer connected")

	go peer.WritePump()
	go peer.ReadPump(h.events.handle)
}

func (h *httpHandler) handleListFollowers(c *gin.Context) {
	userID, err := engagement.NewUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	followerIDs, err := h.engagement.ListFollowers(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "followers_unavailable"})
		return
	}
	profiles, err := h.users.LookupMany(followerIDs)
	if err != nil {
		h.logger.Warn("follower profile lookup failed", zap.Error(err))
		profiles = map[string]users.Profile{}
	}

	response := followersResponse{Followers: make([]followerPayload, 0, len(followerIDs))}
	for _, followerID := range followerIDs {
		profile, ok := profiles[followerID]
		if !ok {
			profile = users.Profile{UserID: followerID}
		}
		response.Followers = append(response.Followers, followerPayload{
			UserID:      followerID,
			DisplayName: profile.Display(),
			AvatarURL:   profile.AvatarURL,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFollow(c *gin.Context) {
	followerID, followeeID, ok := h.followPair(c)
	if !ok {
		return
	}
	err := h.engagement.Follow(c.Request.Context(), followerID, followeeID)
	if errors.Is(err, engagement.ErrSelfFollow) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_follow"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "follow_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUnfollow(c *gin.Context) {
	followerID, followeeID, ok := h.followPair(c)
	if !ok {
		return
	}
	if err := h.engagement.Unfollow(c.Request.Context(), followerID, followeeID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unfollow_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) followPair(c *gin.Context) (engagement.UserID, engagement.UserID, bool) {
	identity, _ := c.Get(identityContextKey)
	followerID, err := engagement.NewUserID(identity.(auth.Identity).UserID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	followeeID, err := engagement.NewUserID(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return "", "", false
	}
	return followerID, followeeID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	identity, ok := h.authenticate(c)
	if !ok {
		c.Abort()
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) authenticate(c *gin.Context) (auth.Identity, bool) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Identity{}, false
	}
	return claims.Identity(), true
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, candidate := range allowed {
			if candidate == "*" || strings.EqualFold(candidate, origin) {
				return true
			}
		}
		return false
	}
}
