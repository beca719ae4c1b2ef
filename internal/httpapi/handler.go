// Package httpapi serves the engine over HTTP: JSON endpoints for state,
// commands and planning, and a WebSocket feed of every published update.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/railsim/internal/alerts"
	"github.com/ChuLiYu/railsim/internal/broadcast"
	"github.com/ChuLiYu/railsim/internal/engine"
	"github.com/ChuLiYu/railsim/internal/network"
	"github.com/ChuLiYu/railsim/internal/optimizer"
	"github.com/ChuLiYu/railsim/internal/registry"
	"github.com/ChuLiYu/railsim/pkg/types"
)

const writeWait = 5 * time.Second

// Engine is the part of the simulation engine the API needs.
type Engine interface {
	Submit(ctx context.Context, cmd types.Command) error
	State() types.Snapshot
	Subscribe() *broadcast.Subscription
	RequestPlan(ctx context.Context) (optimizer.Plan, error)
	Network() *network.Network
}

type Handler struct {
	engine   Engine
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(e Engine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		engine: e,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/state", h.GetState).Methods(http.MethodGet)
	router.HandleFunc("/network", h.GetNetwork).Methods(http.MethodGet)
	router.HandleFunc("/trains", h.AddTrain).Methods(http.MethodPost)
	router.HandleFunc("/trains", h.ReplaceTrains).Methods(http.MethodPut)
	router.HandleFunc("/trains", h.ResetTrains).Methods(http.MethodDelete)
	router.HandleFunc("/trains/{id}", h.RemoveTrain).Methods(http.MethodDelete)
	router.HandleFunc("/trains/{id}/position", h.GetPosition).Methods(http.MethodGet)
	router.HandleFunc("/commands", h.PostCommand).Methods(http.MethodPost)
	router.HandleFunc("/optimize", h.Optimize).Methods(http.MethodPost)
	router.HandleFunc("/updates", h.Updates).Methods(http.MethodGet)
}

// NewRouter returns a router with every route registered.
func NewRouter(e Engine, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	NewHandler(e, log).RegisterRoutes(r)
	return r
}

// NewServer wraps handler in an http.Server listening on addr.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tick": h.engine.State().Tick})
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.State())
}

func (h *Handler) GetNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Network().Data())
}

func (h *Handler) AddTrain(w http.ResponseWriter, r *http.Request) {
	var spec types.TrainSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.submit(w, r, types.Command{Kind: types.CommandAddTrain, Spec: &spec}, http.StatusCreated)
}

func (h *Handler) ReplaceTrains(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Trains []types.TrainSpec `json:"trains"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.submit(w, r, types.Command{Kind: types.CommandReplace, Specs: body.Trains}, http.StatusOK)
}

func (h *Handler) ResetTrains(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, types.Command{Kind: types.CommandReset}, http.StatusOK)
}

func (h *Handler) RemoveTrain(w http.ResponseWriter, r *http.Request) {
	id := types.TrainID(mux.Vars(r)["id"])
	h.submit(w, r, types.Command{Kind: types.CommandRemoveTrain, Train: id}, http.StatusOK)
}

func (h *Handler) PostCommand(w http.ResponseWriter, r *http.Request) {
	var cmd types.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.submit(w, r, cmd, http.StatusOK)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request, cmd types.Command, okStatus int) {
	if err := h.engine.Submit(r.Context(), cmd); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, okStatus, map[string]any{"status": "applied", "type": cmd.Kind, "id": cmd.ID})
}

func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	plan, err := h.engine.RequestPlan(r.Context())
	if err != nil {
		h.log.Warn("On-demand plan failed", "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order":      plan.Order,
		"admissions": plan.Admissions,
		"objective":  plan.Objective,
		"evaluated":  plan.Evaluated,
	})
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := types.TrainID(mux.Vars(r)["id"])
	for _, v := range h.engine.State().Trains {
		if v.ID != id {
			continue
		}
		p, ok := alerts.Locate(v, h.engine.Network())
		if !ok {
			writeError(w, http.StatusConflict, errors.New("train has not entered the network"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "lat": p.Lat(), "lon": p.Lon(), "status": v.Status})
		return
	}
	writeError(w, http.StatusNotFound, registry.ErrTrainNotFound)
}

// Updates upgrades to a WebSocket, sends the current state, then relays
// every published message until either side closes.
func (h *Handler) Updates(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	sub := h.engine.Subscribe()
	defer sub.Close()
	h.log.Debug("WebSocket subscriber attached", "remote", r.RemoteAddr, "subscription", sub.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snap := h.engine.State()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(types.Message{Kind: types.MessageState, Tick: snap.Tick, Data: snap}); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sub.C():
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("WebSocket subscriber gone", "remote", r.RemoteAddr, "error", err, "dropped", sub.Dropped())
				return
			}
		}
	}
}

func statusFor(err error) int {
	var inputErr *optimizer.InputError
	switch {
	case errors.Is(err, registry.ErrTrainNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateTrain),
		errors.Is(err, registry.ErrTrainTerminal),
		errors.Is(err, registry.ErrRerouteDiscontinuous):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, optimizer.ErrBudgetExceeded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, optimizer.ErrInfeasible), errors.As(err, &inputErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
