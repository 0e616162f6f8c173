package http

import (
	"context"
	stdhttp "net/http"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/auth"
	"github.com/vovakirdan/campuschat/internal/config"
	"github.com/vovakirdan/campuschat/internal/core"
	"github.com/vovakirdan/campuschat/internal/store"
)

// Persister stores an inbound message and returns the persisted record.
type Persister interface {
	Persist(ctx context.Context, senderID, roomID int64, content string) (*store.Message, error)
}

// Publisher fans a persisted message out to every instance.
type Publisher interface {
	Publish(ctx context.Context, msg *store.Message) error
}

// Notifier schedules a user notification without waiting for it.
type Notifier interface {
	Notify(recipientID int64, title, body string, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(int64, string, string, map[string]any) {}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Gate      *auth.Gate
	Auth      *auth.Service
	Registry  *core.Registry
	Persister Persister
	Publisher Publisher
	Messages  store.MessageStore
	Notifier  Notifier
	// Clock drives per-connection rate limiting. Defaults to the wall clock.
	Clock clock.Clock
}

// NewRouter mounts the chat WebSocket endpoint on a plain mux and sends
// every other path to a gin engine. The WebSocket route stays outside gin
// because gin's writer refuses to hijack once the 101 response is flushed.
func NewRouter(cfg *config.Config, deps Deps, logger *zerolog.Logger) stdhttp.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	api := NewAPIHandlers(deps.Auth, logger)
	rooms := NewRoomHandlers(deps.Messages, logger)

	v1 := router.Group("/api/v1")
	v1.POST("/auth/login", api.Login)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(deps.Gate, logger))
	authed.GET("/events/:event_id/messages", rooms.History)

	mux := stdhttp.NewServeMux()
	mux.Handle("GET /api/v1/ws/chat/{event_id}", LogRequests(NewChatHandler(deps, cfg.Chat, logger), logger))
	mux.Handle("/", router)
	return mux
}

// NewServer builds an HTTP server with the chat routes.
func NewServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(cfg, deps, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	c.String(stdhttp.StatusOK, "ok")
}
