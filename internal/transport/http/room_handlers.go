package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/proto"
	"github.com/vovakirdan/campuschat/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// RoomHandlers serves the REST side of event chats.
type RoomHandlers struct {
	messages store.MessageStore
	log      *zerolog.Logger
}

// NewRoomHandlers creates a new room handlers instance.
func NewRoomHandlers(messages store.MessageStore, logger *zerolog.Logger) *RoomHandlers {
	return &RoomHandlers{
		messages: messages,
		log:      logger,
	}
}

// HistoryResponse is the body of the history endpoint.
type HistoryResponse struct {
	Messages []proto.Message `json:"messages"`
}

// History returns persisted chat messages of an event, oldest first.
// GET /api/v1/events/:event_id/messages?limit=&before_id=
func (h *RoomHandlers) History(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("event_id"), 10, 64)
	if err != nil || eventID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid event id"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var beforeID *int64
	if raw := c.Query("before_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid before_id"})
			return
		}
		beforeID = &id
	}

	msgs, err := h.messages.ListMessages(c.Request.Context(), eventID, limit, beforeID)
	if err != nil {
		h.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to list messages")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	response := HistoryResponse{Messages: make([]proto.Message, 0, len(msgs))}
	for _, m := range msgs {
		response.Messages = append(response.Messages, proto.FromStore(m))
	}

	h.log.Debug().Int64("event_id", eventID).Int("count", len(msgs)).Msg("history listed")
	c.JSON(http.StatusOK, response)
}
