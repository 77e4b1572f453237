package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/deeplink"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/notify"
	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingSessionSource = errors.New("session source dependency required")
	errMissingLinkPublisher = errors.New("link publisher dependency required")
)

// SessionSource exposes the auth state to HTTP observers.
type SessionSource interface {
	State() session.AuthState
	Subscribe(ctx context.Context) (<-chan session.AuthState, func())
}

// NotificationSource streams user-facing notifications.
type NotificationSource interface {
	Subscribe(ctx context.Context) (<-chan notify.Notification, func())
}

// LinkPublisher forwards received activation URLs to the deep-link router.
type LinkPublisher interface {
	Publish(raw string)
}

type Dependencies struct {
	Session           SessionSource
	Links             LinkPublisher
	Notifications     NotificationSource
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the loopback receiver for auth redirects.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Session == nil {
		return nil, errMissingSessionSource
	}
	if deps.Links == nil {
		return nil, errMissingLinkPublisher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		session:       deps.Session,
		links:         deps.Links,
		notifications: deps.Notifications,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/auth/callback", handler.handleCallback)
	router.POST("/auth/link", handler.handleLink)
	router.GET("/auth/state", handler.handleState)
	router.GET("/auth/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		// Same-origin requests bypass the check; every cross-origin request is refused.
		config.AllowOriginFunc = func(string) bool { return false }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	session       SessionSource
	links         LinkPublisher
	notifications NotificationSource
	heartbeat     time.Duration
	logger        *zap.Logger
}

type linkRequestPayload struct {
	URL string `json:"url"`
}

// callbackPage forwards the fragment, which browsers never send to the server,
// back to /auth/link.
const callbackPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Campus Market</title></head>
<body>
<p id="status">Completing sign-in&hellip;</p>
<script>
fetch("/auth/link", {
  method: "POST",
  headers: {"Content-Type": "application/json"},
  body: JSON.stringify({url: window.location.href})
}).then(function (response) {
  document.getElementById("status").textContent = response.ok
    ? "You can return to Campus Market."
    : "This link could not be used.";
});
</script>
</body>
</html>`

func (h *httpHandler) handleCallback(c *gin.Context) {
	query := c.Request.URL.Query()
	if query.Get("access_token") != "" || query.Get("error") != "" {
		raw := "http://" + c.Request.Host + c.Request.URL.RequestURI()
		if _, err := deeplink.Parse(raw); err != nil {
			c.String(http.StatusBadRequest, "This link could not be used.")
			return
		}
		h.links.Publish(raw)
		c.String(http.StatusOK, "You can return to Campus Market.")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(callbackPage))
}

func (h *httpHandler) handleLink(c *gin.Context) {
	var request linkRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.URL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if _, err := deeplink.Parse(request.URL); err != nil {
		h.logger.Debug("rejected inbound link", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_link"})
		return
	}
	h.links.Publish(request.URL)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *httpHandler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.State().Snapshot())
}
