package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/rhinos/internal/bus"
	"github.com/loqalabs/rhinos/internal/controller"
	"github.com/loqalabs/rhinos/internal/protocol"
)

type readRequest struct {
	Text    string `json:"text"`
	Surface string `json:"surface,omitempty"`
}

type settingsRequest struct {
	Volume  *float64 `json:"volume,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
	VoiceID *string  `json:"voice_id,omitempty"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type controlResponse struct {
	Delivery string          `json:"delivery"`
	View     controller.View `json:"view"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 16 * 1024,
	// The API binds to loopback by default; browsers on the same host are
	// the expected clients.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/read", r.handleRead)
	mux.HandleFunc("GET /v1/surfaces", r.handleSurfaces)
	mux.HandleFunc("GET /v1/surfaces/{id}/events", r.handleSurfaceEvents)

	mux.HandleFunc("GET /v1/controller", r.withController(r.handleView))
	mux.HandleFunc("POST /v1/controller/activate", r.withController(r.handleActivate))
	mux.HandleFunc("POST /v1/controller/pause", r.withController(r.handlePause))
	mux.HandleFunc("POST /v1/controller/stop", r.withController(r.handleStop))
	mux.HandleFunc("PUT /v1/controller/settings", r.withController(r.handleSettings))
	mux.HandleFunc("POST /v1/controller/key", r.withController(r.handleSubmitKey))
	mux.HandleFunc("DELETE /v1/controller/key", r.withController(r.handleRemoveKey))
	mux.HandleFunc("POST /v1/controller/voices/refresh", r.withController(r.handleRefreshVoices))
	mux.HandleFunc("GET /v1/controller/ws", r.withController(r.handleControllerStream))
}

type controllerHandler func(w http.ResponseWriter, req *http.Request, c *controller.Controller)

func (r *Runtime) withController(h controllerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.controller == nil {
			writeError(w, http.StatusNotFound, "controller disabled")
			return
		}
		h(w, req, r.controller.Controller())
	}
}

func (r *Runtime) handleRead(w http.ResponseWriter, req *http.Request) {
	var body readRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	delivery, err := r.bus.Deliver(req.Context(), protocol.SubjectTrigger, protocol.Trigger{
		SelectedText:    body.Text,
		TargetSurfaceID: body.Surface,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if delivery == bus.NoReceiver {
		writeError(w, http.StatusServiceUnavailable, "no orchestrator available")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"delivery": delivery.String()})
}

// handleSurfaces lists surfaces seen on the bus alongside those with a
// recorded timeline.
func (r *Runtime) handleSurfaces(w http.ResponseWriter, req *http.Request) {
	recorded, err := r.events.ListSurfaces(req.Context())
	if err != nil {
		r.logger.Warn("failed to list recorded surfaces", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list surfaces")
		return
	}
	type recordedView struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		LastSeen  time.Time `json:"last_seen"`
	}
	history := make([]recordedView, 0, len(recorded))
	for _, s := range recorded {
		history = append(history, recordedView{ID: s.ID, CreatedAt: s.CreatedAt, LastSeen: s.LastSeen})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"live":     r.surfaces.List(),
		"recorded": history,
	})
}

func (r *Runtime) handleSurfaceEvents(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	events, err := r.events.ListSurfaceEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Warn("failed to list surface events", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	type eventView struct {
		ID        int64           `json:"id"`
		TraceID   string          `json:"trace_id"`
		ActorID   string          `json:"actor_id"`
		Type      string          `json:"type"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		ev := eventView{ID: e.ID, TraceID: e.TraceID, ActorID: e.ActorID, Type: e.Type, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			ev.Payload = e.Payload
		}
		out = append(out, ev)
	}
	writeJSON(w, http.StatusOK, out)
}

func (r *Runtime) handleView(w http.ResponseWriter, _ *http.Request, c *controller.Controller) {
	writeJSON(w, http.StatusOK, c.View())
}

func (r *Runtime) handleActivate(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	if err := c.Activate(req.Context()); err != nil {
		r.logger.Warn("controller activation delivery failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, c.View())
}

func (r *Runtime) handlePause(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	r.writeControl(w, c, func(ctx context.Context) (bus.Delivery, error) { return c.TogglePause(ctx) }, req)
}

func (r *Runtime) handleStop(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	r.writeControl(w, c, func(ctx context.Context) (bus.Delivery, error) { return c.Stop(ctx) }, req)
}

func (r *Runtime) writeControl(w http.ResponseWriter, c *controller.Controller, send func(context.Context) (bus.Delivery, error), req *http.Request) {
	delivery, err := send(req.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Delivery: delivery.String(), View: c.View()})
}

func (r *Runtime) handleSettings(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	var body settingsRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := req.Context()
	if body.Volume != nil {
		if err := c.SetVolume(ctx, *body.Volume); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if body.Speed != nil {
		if err := c.SetSpeed(ctx, *body.Speed); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if body.VoiceID != nil {
		if err := c.SelectVoice(ctx, *body.VoiceID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, c.View())
}

func (r *Runtime) handleSubmitKey(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	var body keyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := c.SubmitKey(req.Context(), body.Key)
	switch {
	case errors.Is(err, controller.ErrInvalidKey):
		writeJSON(w, http.StatusUnprocessableEntity, c.View())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, c.View())
	}
}

func (r *Runtime) handleRemoveKey(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	if err := c.RemoveKey(req.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.View())
}

func (r *Runtime) handleRefreshVoices(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	err := c.RefreshVoices(req.Context())
	switch {
	case errors.Is(err, controller.ErrInvalidKey):
		writeJSON(w, http.StatusUnprocessableEntity, c.View())
	case err != nil:
		writeJSON(w, http.StatusBadGateway, c.View())
	default:
		writeJSON(w, http.StatusOK, c.View())
	}
}

// handleControllerStream pushes every view change to a websocket client
// until either side closes.
func (r *Runtime) handleControllerStream(w http.ResponseWriter, req *http.Request, c *controller.Controller) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case view, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(view); err != nil {
				r.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
