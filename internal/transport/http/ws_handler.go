package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/auth"
	"github.com/vovakirdan/campuschat/internal/config"
	"github.com/vovakirdan/campuschat/internal/core"
	"github.com/vovakirdan/campuschat/internal/utils"
)

// StatusForbidden is the close code sent to refused connections.
const StatusForbidden websocket.StatusCode = 4003

var errEvicted = errors.New("connection evicted")

// ChatHandler upgrades chat connections and bridges them to the room registry.
type ChatHandler struct {
	gate      *auth.Gate
	registry  *core.Registry
	persister Persister
	publisher Publisher
	notifier  Notifier
	clock     clock.Clock

	maxMessageBytes int64
	sendBuffer      int
	writeTimeout    time.Duration
	ratePerMinute   int

	log *zerolog.Logger
}

// NewChatHandler builds the WebSocket chat endpoint.
func NewChatHandler(deps Deps, cfg config.ChatConfig, logger *zerolog.Logger) *ChatHandler {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ChatHandler{
		gate:            deps.Gate,
		registry:        deps.Registry,
		persister:       deps.Persister,
		publisher:       deps.Publisher,
		notifier:        notifier,
		clock:           clk,
		maxMessageBytes: cfg.MaxMessageBytes,
		sendBuffer:      cfg.SendBuffer,
		writeTimeout:    cfg.WriteTimeout,
		ratePerMinute:   cfg.RateLimitPerMinute,
		log:             logger,
	}
}

// ServeHTTP handles GET /api/v1/ws/chat/{event_id}?token=<jwt>.
func (h *ChatHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()
	// An unparsable id stays 0 and is refused by the gate.
	roomID, _ := strconv.ParseInt(r.PathValue("event_id"), 10, 64)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	ident, err := h.gate.Admit(ctx, r.URL.Query().Get("token"), roomID)
	if err != nil {
		h.log.Info().Err(err).Str("event_id", r.PathValue("event_id")).Msg("chat connection refused")
		_ = conn.Close(StatusForbidden, "forbidden")
		return
	}
	if h.maxMessageBytes > 0 {
		conn.SetReadLimit(h.maxMessageBytes)
	}

	client := newWSClient(utils.NewID(), ident.UserID, roomID, h.sendBuffer)
	if err := h.registry.Attach(ctx, client); err != nil {
		h.log.Error().Err(err).Int64("event_id", roomID).Int64("user_id", ident.UserID).Msg("attach failed")
		_ = conn.Close(websocket.StatusInternalError, "room unavailable")
		return
	}
	defer h.registry.Detach(client)
	defer client.close()

	h.notifier.Notify(ident.UserID, "Chat joined",
		fmt.Sprintf("You joined the chat of event %d.", roomID),
		map[string]any{"type": "chat_joined", "event_id": roomID})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	if errors.Is(err, errEvicted) {
		h.log.Info().Str("conn_id", client.ID()).Str("reason", client.evictReason()).Msg("ws connection evicted")
		return
	}

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("conn_id", client.ID()).Msg("ws connection closed with error")
		}
	}

	_ = conn.Close(status, reason)
}

func (h *ChatHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	limiter := newRateLimiter(h.ratePerMinute, h.clock)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			h.reply(client, badRequest("only text frames are accepted"))
			continue
		}
		if !limiter.allow() {
			h.reply(client, rateLimited())
			continue
		}
		h.handleMessage(ctx, client, string(data))
	}
}

// handleMessage persists content and then publishes it. Messages of one
// connection are handled strictly in receive order.
func (h *ChatHandler) handleMessage(ctx context.Context, client *wsClient, content string) {
	if strings.TrimSpace(content) == "" {
		h.reply(client, badRequest("message is empty"))
		return
	}

	msg, err := h.persister.Persist(ctx, client.UserID(), client.RoomID(), content)
	if err != nil {
		h.log.Error().Err(err).Int64("event_id", client.RoomID()).Str("conn_id", client.ID()).Msg("persist failed")
		h.reply(client, persistFailure(err))
		return
	}

	if err := h.publisher.Publish(ctx, msg); err != nil {
		h.log.Error().Err(err).Int64("event_id", client.RoomID()).Int64("message_id", msg.ID).Msg("publish failed")
		h.reply(client, publishFailure())
		return
	}
	h.log.Debug().Int64("event_id", client.RoomID()).Int64("message_id", msg.ID).Msg("message published")
}

func (h *ChatHandler) reply(client *wsClient, frame []byte) {
	if err := client.Send(frame); err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ID()).Msg("error frame dropped")
	}
}

func (h *ChatHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *wsClient) error {
	for {
		select {
		case payload := <-client.out:
			if err := h.write(ctx, conn, payload); err != nil {
				h.log.Error().Err(err).Str("conn_id", client.ID()).Msg("write ws frame")
				return err
			}
		case <-client.evicted:
			_ = conn.Close(websocket.StatusTryAgainLater, client.evictReason())
			return errEvicted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *ChatHandler) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if h.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
