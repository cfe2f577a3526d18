package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"routeledger/internal/models"
	"routeledger/internal/remotelog"
	"routeledger/internal/server/middleware"
)

type SyncHandler struct {
	store  *remotelog.Store
	logger *slog.Logger
}

func NewSyncHandler(store *remotelog.Store, logger *slog.Logger) *SyncHandler {
	return &SyncHandler{store: store, logger: logger}
}

// Push handles POST /sync/push.
func (h *SyncHandler) Push(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	var body models.PushRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return
	}

	synced, stamp, err := h.store.Push(c.Request.Context(), userID, body.Entries)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PushResponse{OK: true, Synced: synced, ServerTimestamp: stamp})
}

// Pull handles GET /sync/pull. An omitted since parameter means the
// epoch, i.e. full history.
func (h *SyncHandler) Pull(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)

	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		since = parsed
	}

	entries, latest, hasMore, err := h.store.Pull(c.Request.Context(), userID, since, remotelog.PullPageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.PullResponse{Entries: entries, ServerTimestamp: latest, HasMore: hasMore})
}

func (h *SyncHandler) writeError(c *gin.Context, err error) {
	var ve *remotelog.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message})
	case errors.Is(err, remotelog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.logger.Error("sync handler error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
