package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jmylchreest/transcodarr/internal/models"
	"github.com/jmylchreest/transcodarr/internal/observability"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// JobEventsHandler streams job events over a websocket. Clients may pass
// jobId to follow a single job; otherwise every job is streamed.
type JobEventsHandler struct {
	events   Subscriber
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewJobEventsHandler creates a websocket event handler. Origins are not
// checked since every connection is authenticated by API key.
func NewJobEventsHandler(events Subscriber, logger *slog.Logger) *JobEventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobEventsHandler{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// RegisterRoutes registers the websocket endpoint on a chi router.
func (h *JobEventsHandler) RegisterRoutes(router chi.Router) {
	router.Get("/api/v1/jobs/ws", h.ServeHTTP)
}

// ServeHTTP upgrades the connection and forwards events until the client
// goes away.
func (h *JobEventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	if jobID != "" {
		if _, err := models.ParseULID(jobID); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid job ID"})
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.LoggerFromContext(r.Context(), h.logger).Debug("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	sub := h.events.Subscribe(jobID)
	defer h.events.Unsubscribe(sub.ID)

	// The read loop only services control frames and notices disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", slog.String("job_id", ev.JobID), slog.Any("error", err))
				return
			}
			if jobID != "" && ev.IsTerminal() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"),
					time.Now().Add(wsWriteWait))
				return
			}
		}
	}
}
