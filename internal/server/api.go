package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/rcliao/memory-hub/internal/events"
	"github.com/rcliao/memory-hub/internal/model"
	"github.com/rcliao/memory-hub/internal/store"
	"github.com/rcliao/memory-hub/internal/subscription"
)

func wire(evs []model.Event) []model.WireEvent {
	return lo.Map(evs, func(e model.Event, _ int) model.WireEvent { return e.Wire() })
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	head, err := s.hub.Bus.Head(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	health := s.hub.Store.Health()
	if health != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":        health,
		"head_event_id": head,
		"online_agents": s.hub.Agents.Online(),
		"subscriptions": s.hub.Subs.Stats(),
		"breakers":      s.hub.Webhooks.Breakers(),
	})
}

type eventsPage struct {
	Events      []model.WireEvent `json:"events"`
	NextSinceID int64             `json:"next_since_id"`
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := queryInt(r, "since_id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	types, err := events.ParseTypes(q.Get("types"))
	if err != nil {
		writeError(w, err)
		return
	}
	f := events.Filter{
		Types:   types,
		Agent:   q.Get("agent"),
		Profile: q.Get("profile"),
		Subject: q.Get("subject"),
		Tier:    model.Tier(q.Get("tier")),
		SinceID: since,
		Limit:   int(limit),
	}
	evs, err := s.hub.Bus.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	page := eventsPage{Events: wire(evs), NextSinceID: since}
	if len(evs) > 0 {
		page.NextSinceID = evs[len(evs)-1].ID
	}
	writeJSON(w, http.StatusOK, page)
}

type emitRequest struct {
	Type       string          `json:"type"`
	SubjectID  string          `json:"subject_id"`
	Profile    string          `json:"profile"`
	Importance *int            `json:"importance"`
	Data       json.RawMessage `json:"data"`
}

// handleEmitEvent records a client-reported event. Only event kinds no
// memory operation produces are accepted.
func (s *Server) handleEmitEvent(w http.ResponseWriter, r *http.Request) {
	var req emitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	typ, ok := model.ParseEventType(req.Type)
	if !ok || (typ != model.EventPatternLearned && typ != model.EventGraphUpdated) {
		writeError(w, errors.Wrapf(events.ErrInvalidEvent, "type %q cannot be posted", req.Type))
		return
	}
	ev := model.Event{
		Type:       typ,
		SubjectID:  req.SubjectID,
		Profile:    req.Profile,
		Importance: 5,
		Payload:    req.Data,
	}
	if req.Importance != nil {
		ev.Importance = *req.Importance
	}
	ev, err := s.hub.Bus.Emit(r.Context(), ev)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev.Wire())
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Bus.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.hub.Agents.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"online": s.hub.Agents.Online(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.hub.Agents.Get(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Agents.Delete(r.Context(), mux.Vars(r)["agent_id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrustStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Trust.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTrustSignals(w http.ResponseWriter, r *http.Request) {
	agent := mux.Vars(r)["agent_id"]
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	sigs, err := s.hub.Trust.Signals(r.Context(), agent, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	score, _ := s.hub.Trust.TrustScore(agent)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":    agent,
		"trust_score": score,
		"signals":     lo.Ternary(sigs == nil, []model.TrustSignal{}, sigs),
	})
}

type putRequest struct {
	NS         string   `json:"ns"`
	Key        string   `json:"key"`
	Content    string   `json:"content"`
	Kind       string   `json:"kind"`
	Tags       []string `json:"tags"`
	Priority   string   `json:"priority"`
	Importance *int     `json:"importance"`
	Meta       string   `json:"meta"`
}

func (s *Server) handlePutMemory(w http.ResponseWriter, r *http.Request) {
	var req putRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.hub.Store.Put(r.Context(), store.PutParams{
		NS:         req.NS,
		Key:        req.Key,
		Content:    req.Content,
		Kind:       req.Kind,
		Tags:       req.Tags,
		Priority:   req.Priority,
		Importance: req.Importance,
		Meta:       req.Meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// handleGetMemory records a recall unless peek or history is requested.
func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	history := queryBool(r, "history")
	if !history && !queryBool(r, "peek") {
		m, err := s.hub.Store.Recall(r.Context(), vars["ns"], vars["key"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	version, err := queryInt(r, "version")
	if err != nil {
		writeError(w, err)
		return
	}
	ms, err := s.hub.Store.Get(r.Context(), store.GetParams{
		NS: vars["ns"], Key: vars["key"], History: history, Version: int(version),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if history {
		writeJSON(w, http.StatusOK, ms)
		return
	}
	writeJSON(w, http.StatusOK, ms[0])
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.hub.Store.Rm(r.Context(), store.RmParams{
		NS:          vars["ns"],
		Key:         vars["key"],
		AllVersions: queryBool(r, "all"),
		Hard:        queryBool(r, "hard"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscription.CreateParams
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.hub.Subs.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.hub.Subs.List()
	if subs == nil {
		subs = []model.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hub.Subs.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Subs.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pollResponse struct {
	Events []model.WireEvent `json:"events"`
	Cursor int64             `json:"cursor"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	batch, err := s.hub.Subs.Poll(r.Context(), mux.Vars(r)["id"], int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Events: wire(batch.Events), Cursor: batch.Cursor})
}

type ackRequest struct {
	EventID int64 `json:"event_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.hub.Subs.Ack(r.Context(), mux.Vars(r)["id"], req.EventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := s.hub.Subs.Reactivate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
