package call

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/eleven-am/callstream/internal/media"
	"github.com/eleven-am/callstream/internal/shared"
)

// Handler exposes the operational surface for calls: inspection, agent
// assignment, and live-stream reprocessing.
type Handler struct {
	manager *Manager
	store   *Store
	logger  *slog.Logger
}

func NewHandler(manager *Manager, store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		store:   store,
		logger:  logger,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/calls", h.ListActive)
	g.GET("/calls/:id", h.Get)
	g.PUT("/calls/:id/agent", h.UpdateAgent)
	g.POST("/calls/:id/ingest", h.Ingest)
	g.DELETE("/calls/:id/recording", h.DeleteRecording)
}

func (h *Handler) ListActive(c echo.Context) error {
	records, err := h.store.ListActive(c.Request().Context(), 100)
	if err != nil {
		h.logger.Error("list active calls failed", "error", err)
		return shared.InternalError("list_failed", "could not list calls")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"live":  h.manager.Active(),
		"calls": records,
	})
}

func (h *Handler) Get(c echo.Context) error {
	record, err := h.store.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		if err == shared.ErrNotFound {
			return shared.NotFound("call_not_found", "call not found")
		}
		h.logger.Error("get call failed", "error", err, "call_id", c.Param("id"))
		return shared.InternalError("get_failed", "could not load call")
	}
	return c.JSON(http.StatusOK, record)
}

type updateAgentRequest struct {
	AgentID string `json:"agentId"`
}

func (h *Handler) UpdateAgent(c echo.Context) error {
	var req updateAgentRequest
	if err := c.Bind(&req); err != nil || req.AgentID == "" {
		return shared.BadRequest("invalid_request", "agentId is required")
	}
	callID := c.Param("id")
	if err := h.manager.UpdateAgent(c.Request().Context(), callID, req.AgentID); err != nil {
		if err == shared.ErrNotFound {
			return shared.NotFound("call_not_found", "call not found")
		}
		h.logger.Error("update agent failed", "error", err, "call_id", callID)
		return shared.InternalError("update_failed", "could not update agent")
	}
	return c.NoContent(http.StatusNoContent)
}

type ingestRequest struct {
	StreamID string   `json:"streamId"`
	Format   string   `json:"format"`
	Rate     int      `json:"rate"`
	Channels []string `json:"channels"`
	Restart  bool     `json:"restart"`
}

// Ingest starts replaying a remote live stream through a fresh pipeline.
// Ingestion runs in the background; it resumes after the last committed
// fragment for the call unless restart is set.
func (h *Handler) Ingest(c echo.Context) error {
	var req ingestRequest
	if err := c.Bind(&req); err != nil || req.StreamID == "" {
		return shared.BadRequest("invalid_request", "streamId is required")
	}
	callID := c.Param("id")
	if h.manager.Live(callID) {
		return shared.Conflict("call_active", "a pipeline is already running for this call")
	}

	spec := media.Spec{Format: media.FormatPCMU, Rate: 8000}
	if req.Format != "" {
		spec.Format = media.Format(req.Format)
	}
	if req.Rate != 0 {
		spec.Rate = req.Rate
	}
	if len(req.Channels) == 0 {
		spec.Channels = []media.Channel{media.ChannelExternal, media.ChannelInternal}
	} else {
		for _, ch := range req.Channels {
			spec.Channels = append(spec.Channels, media.Channel(ch))
		}
	}

	go func() {
		if err := h.manager.IngestStream(context.Background(), callID, req.StreamID, spec, req.Restart); err != nil {
			h.logger.Error("stream ingestion failed", "error", err,
				"call_id", callID, "stream_id", req.StreamID)
		}
	}()
	return c.NoContent(http.StatusAccepted)
}

// DeleteRecording removes a call's stored recording, for retention.
func (h *Handler) DeleteRecording(c echo.Context) error {
	callID := c.Param("id")
	if err := h.manager.DeleteRecording(c.Request().Context(), callID); err != nil {
		if err == shared.ErrNotFound {
			return shared.NotFound("call_not_found", "call not found")
		}
		h.logger.Error("delete recording failed", "error", err, "call_id", callID)
		return shared.InternalError("delete_failed", "could not delete recording")
	}
	return c.NoContent(http.StatusNoContent)
}
