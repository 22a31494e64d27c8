// Package http implements the thin REST/WebSocket transport adapter named in
// spec §4.10/§6: five JSON endpoints plus a per-session event stream. Kept on
// net/http's ServeMux rather than the teacher's generated goa HTTP layer,
// since goa.design/goa/v3 is a code-generation framework out of scope for a
// handful of hand-routed handlers (see DESIGN.md); the WebSocket upgrade
// itself uses github.com/gorilla/websocket, matching the teacher's
// transitive dependency surface.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cartorch/orchestrator/internal/events"
	"github.com/cartorch/orchestrator/internal/model"
	"github.com/cartorch/orchestrator/internal/pipeline"
	"github.com/cartorch/orchestrator/internal/session"
	"github.com/cartorch/orchestrator/internal/telemetry"
)

const (
	wsPingInterval = 25 * time.Second
	wsIdleClose    = 5 * time.Minute
)

// Server wires the transport adapter to the pipeline Engine and its
// collaborators.
type Server struct {
	engine   *pipeline.Engine
	sessions session.Store
	bus      events.Bus
	log      telemetry.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	pending map[string]chan pipeline.Outcome // session_id -> the active run's eventual Outcome
}

// NewServer constructs a Server.
func NewServer(engine *pipeline.Engine, sessions session.Store, bus events.Bus, log telemetry.Logger) *Server {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Server{
		engine:   engine,
		sessions: sessions,
		bus:      bus,
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(*http.Request) bool { return true }},
		pending:  make(map[string]chan pipeline.Outcome),
	}
}

// Routes returns the configured ServeMux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/process", s.handleChatProcess)
	mux.HandleFunc("POST /api/order/confirm", s.handleOrderConfirm)
	mux.HandleFunc("POST /api/order/reconfirm", s.handleOrderReconfirm)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/session/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /ws/events/{session_id}", s.handleEvents)
	return mux
}

type chatProcessRequest struct {
	SessionID string           `json:"session_id"`
	Message   string           `json:"message"`
	UserID    string           `json:"user_id"`
	Address   string           `json:"address"`
	Budget    *float64         `json:"budget,omitempty"`
}

type chatProcessResponse struct {
	Success              bool                  `json:"success"`
	RunID                string                `json:"run_id"`
	Intent               model.Intent          `json:"intent"`
	PlanSummary          []model.StageID       `json:"plan_summary"`
	RankedProducts       []model.RankedProduct `json:"ranked_products,omitempty"`
	Decision             *model.Decision       `json:"decision,omitempty"`
	AwaitingConfirmation bool                  `json:"awaiting_confirmation"`
	TerminalStageEvents  []model.Event         `json:"terminal_stage_events"`
	Message              string                `json:"message,omitempty"`
	ErrorKind            string                `json:"error_kind,omitempty"`
}

// handleChatProcess runs the pipeline for one utterance. Since Engine.Run
// blocks synchronously through await_confirmation, the run is started on a
// background goroutine and this handler returns as soon as it either
// terminates or reaches await_confirmation, per spec §4.10 ("does not block
// the HTTP caller past the point a human decision is required").
func (s *Server) handleChatProcess(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateAgainstSchema(chatProcessSchema, body); err != nil {
		writeError(w, http.StatusBadRequest, "request failed schema validation: "+err.Error())
		return
	}
	var req chatProcessRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub := s.bus.Subscribe(req.SessionID)
	defer s.bus.Unsubscribe(sub)

	outcomeCh := make(chan pipeline.Outcome, 1)
	s.mu.Lock()
	s.pending[req.SessionID] = outcomeCh
	s.mu.Unlock()

	go func() {
		out, err := s.engine.Run(context.Background(), req.SessionID, req.Message, model.UserContext{
			UserID: req.UserID, Address: req.Address, Budget: req.Budget,
		})
		if err != nil {
			s.log.Error(context.Background(), "pipeline run failed", "session_id", req.SessionID, "err", err)
		}
		outcomeCh <- out
	}()

	resp := chatProcessResponse{Success: true}
	var seen []model.Event
	for {
		select {
		case ev := <-sub.Events():
			seen = append(seen, ev)
			applyEvent(&resp, ev)
			if ev.Type == "stage_update" && ev.StageID == model.StageAwaitConfirm && ev.Status == model.StageProcessing {
				resp.AwaitingConfirmation = true
				resp.TerminalStageEvents = seen
				writeJSON(w, http.StatusOK, resp)
				return
			}
		case out := <-outcomeCh:
			resp.RunID = out.RunID
			resp.Intent = out.Intent
			resp.PlanSummary = out.Plan.Stages
			resp.RankedProducts = out.Ranking.Products
			if out.Decision.Selected != nil || len(out.Decision.Fallbacks) > 0 || out.Decision.Reasoning != "" {
				d := out.Decision
				resp.Decision = &d
			}
			resp.AwaitingConfirmation = out.AwaitingConfirmation
			resp.Message = out.Message
			resp.ErrorKind = out.ErrorKind
			resp.Success = out.ErrorKind == "" && !out.Cancelled
			resp.TerminalStageEvents = seen
			writeJSON(w, http.StatusOK, resp)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func applyEvent(resp *chatProcessResponse, ev model.Event) {
	if ev.Type != "stage_update" || ev.Status != model.StageComplete || ev.Data == nil {
		return
	}
	resp.RunID = ev.RunID
	switch ev.StageID {
	case model.StageIntentExtraction:
		if intent, ok := ev.Data.(model.Intent); ok {
			resp.Intent = intent
		}
	case model.StageTaskPlanning:
		if plan, ok := ev.Data.(model.Plan); ok {
			resp.PlanSummary = plan.Stages
		}
	case model.StageComparison:
		if rank, ok := ev.Data.(model.Ranking); ok {
			resp.RankedProducts = rank.Products
		}
	case model.StageDecision:
		if decision, ok := ev.Data.(model.Decision); ok {
			resp.Decision = &decision
		}
	}
}

type orderConfirmRequest struct {
	SessionID         string `json:"session_id"`
	SelectedProductIdx *int   `json:"selected_product_index,omitempty"`
	Accepted          *bool  `json:"accepted,omitempty"`
}

// handleOrderConfirm delivers a confirmation decision into the session's
// awaiting run and blocks for the purchase outcome, per spec §6 (response
// shape is a PurchaseResult).
func (s *Server) handleOrderConfirm(w http.ResponseWriter, r *http.Request) {
	var req orderConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	accepted := true
	if req.Accepted != nil {
		accepted = *req.Accepted
	}

	s.mu.Lock()
	outcomeCh, ok := s.pending[req.SessionID]
	s.mu.Unlock()

	delivered := s.engine.Confirm(req.SessionID, model.ConfirmationInput{Accepted: accepted, SelectedIndex: req.SelectedProductIdx})
	if !delivered {
		writeError(w, http.StatusConflict, "no run awaiting confirmation for this session")
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "no pending outcome tracked for this session")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	select {
	case out := <-outcomeCh:
		writeJSON(w, http.StatusOK, out.Purchase)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for purchase result")
	}
}

// handleOrderReconfirm delivers a user's answer to a risk-escalation
// reconfirmation (the reconfirmation_required event published mid-purchase,
// spec §4.8 phase 2 / §9 Open Question #3). The eventual PurchaseResult
// still arrives through whichever request is already blocked on this
// session's pending outcome channel (chat/process or order/confirm), so this
// handler only acknowledges delivery.
func (s *Server) handleOrderReconfirm(w http.ResponseWriter, r *http.Request) {
	var req orderConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	accepted := true
	if req.Accepted != nil {
		accepted = *req.Accepted
	}
	delivered := s.engine.ProvideReconfirmation(req.SessionID, model.ConfirmationInput{Accepted: accepted, SelectedIndex: req.SelectedProductIdx})
	if !delivered {
		writeError(w, http.StatusConflict, "no reconfirmation pending for this session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cancelled := s.engine.Cancel(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	blob, err := s.sessions.Snapshot(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

// handleEvents upgrades to a WebSocket and relays every Event Bus event for
// the path's session_id as one JSON frame, with a 25s ping heartbeat and a
// 5-minute idle close, per spec §4.10.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe(sessionID)
	defer s.bus.Unsubscribe(sub)

	_ = conn.SetReadDeadline(time.Now().Add(wsIdleClose))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleClose))
	})
	go drainClientFrames(conn)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// drainClientFrames discards inbound frames (this socket is server-to-client
// only) so SetReadDeadline/pong handling keeps firing until the peer closes.
func drainClientFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
