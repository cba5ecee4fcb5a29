package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/crabwalk/internal/domain/layout"
	"github.com/Strob0t/crabwalk/internal/domain/monitor"
)

// Monitor is the read and pin surface of the monitor service.
type Monitor interface {
	Sessions() []monitor.Session
	Graph(ctx context.Context, mode layout.Mode) (layout.Graph, error)
	PinNode(ctx context.Context, id string, pos layout.Position) error
	UnpinNode(ctx context.Context, id string) error
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	Gateway   string `json:"gateway"`
	Relay     string `json:"relay"`
	WSClients int    `json:"ws_clients"`
}

// Handlers holds the HTTP handlers' dependencies.
type Handlers struct {
	Monitor Monitor
	Health  func() Health
}

// GetHealth reports process health. It always answers 200 so that a gateway
// outage does not get the monitor restarted; Status says "degraded" instead.
func (h *Handlers) GetHealth(w http.ResponseWriter, _ *http.Request) {
	report := Health{Status: "ok"}
	if h.Health != nil {
		report = h.Health()
	}
	writeJSON(w, http.StatusOK, report)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.Monitor.Sessions()
	if sessions == nil {
		sessions = []monitor.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetGraph handles GET /api/v1/graph?mode=vertical|horizontal.
func (h *Handlers) GetGraph(w http.ResponseWriter, r *http.Request) {
	mode, err := layout.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := h.Monitor.Graph(r.Context(), mode)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if g.Edges == nil {
		g.Edges = []layout.Edge{}
	}
	writeJSON(w, http.StatusOK, g)
}

// PinNode handles PUT /api/v1/graph/pins/{id} with a {"x":..,"y":..} body.
func (h *Handlers) PinNode(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	pos, ok := readJSON[layout.Position](w, r)
	if !ok {
		return
	}
	if err := h.Monitor.PinNode(r.Context(), id, pos); err != nil {
		writeDomainError(w, err, "node not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnpinNode handles DELETE /api/v1/graph/pins/{id}.
func (h *Handlers) UnpinNode(w http.ResponseWriter, r *http.Request) {
	if err := h.Monitor.UnpinNode(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "pin not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
