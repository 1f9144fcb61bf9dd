package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/providers"
	"github.com/jonathan/codee/internal/records"
)

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	JobID              string   `json:"job_id" validate:"omitempty,max=128"`
	RepositoryFullName string   `json:"repository_full_name" validate:"required,max=200,contains=/"`
	Prompt             string   `json:"prompt" validate:"required"`
	ToolSlugs          []string `json:"tool_slugs" validate:"omitempty,dive,required"`
	Provider           string   `json:"provider" validate:"omitempty,oneof=codee cursor jules"`
	BaseBranch         string   `json:"base_branch"`
	Model              string   `json:"model"`
}

// FollowupRequest is the body of POST /jobs/{id}/followup.
type FollowupRequest struct {
	Prompt     string     `json:"prompt" validate:"required"`
	PriorTurns []llm.Turn `json:"prior_turns" validate:"omitempty,dive"`
	ToolSlugs  []string   `json:"tool_slugs" validate:"omitempty,dive,required"`
}

// JobResponse describes an accepted job.
type JobResponse struct {
	JobID          string `json:"job_id"`
	Provider       string `json:"provider"`
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id,omitempty"`
	URL            string `json:"url,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

// StateResponse is the body of GET /jobs/{id}/state.
type StateResponse struct {
	JobID       string `json:"job_id"`
	Provider    string `json:"provider"`
	State       string `json:"state,omitempty"`
	Terminal    bool   `json:"terminal"`
	LastEventID int64  `json:"last_event_id"`
	Status      string `json:"status,omitempty"`
	URL         string `json:"url,omitempty"`
	Branch      string `json:"branch,omitempty"`
}

func jobResponse(a providers.Agent) JobResponse {
	return JobResponse{
		JobID:          a.JobID,
		Provider:       string(a.Kind),
		Status:         string(a.Status),
		ConversationID: a.ConversationID,
		URL:            a.URL,
		Branch:         a.Branch,
	}
}

// handleSubmit starts a job on the requested provider.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	kind, err := providers.ParseKind(req.Provider)
	if err != nil {
		s.fail(w, &ErrValidation{Field: "provider", Message: err.Error()})
		return
	}
	p, ok := s.providers[kind]
	if !ok {
		s.fail(w, &ErrUnavailable{Feature: "provider " + string(kind)})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	agent, err := p.CreateAgent(r.Context(), providers.AgentRequest{
		JobID:        req.JobID,
		RepoFullName: req.RepositoryFullName,
		Prompt:       req.Prompt,
		ToolSlugs:    req.ToolSlugs,
		BaseBranch:   req.BaseBranch,
		Model:        req.Model,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.agents.put(agent)

	log.Printf("[server] job %s submitted to %s", agent.JobID, kind)
	s.jsonResponse(w, http.StatusAccepted, jobResponse(*agent))
}

// handleFollowup continues a job. Hosted agents receive the prompt as a
// message; local jobs run again on the same workspace.
func (s *Server) handleFollowup(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	var req FollowupRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	agent, known := s.agents.get(jobID)
	if known && agent.Kind != providers.KindCodee {
		if err := s.providers[agent.Kind].SendMessage(r.Context(), &agent, req.Prompt); err != nil {
			s.fail(w, err)
			return
		}
		s.agents.update(jobID, func(a *providers.Agent) { a.Status = agent.Status })
		s.jsonResponse(w, http.StatusAccepted, jobResponse(agent))
		return
	}

	turns := req.PriorTurns
	if turns == nil {
		stored, err := s.messages.ListMessages(r.Context(), jobID)
		if err != nil {
			s.fail(w, err)
			return
		}
		turns = providers.Turns(stored)
	}
	slugs := req.ToolSlugs
	if slugs == nil && known {
		slugs = agent.ToolSlugs
	}

	if err := s.jobs.SubmitFollowup(r.Context(), req.Prompt, jobID, turns, slugs); err != nil {
		s.fail(w, err)
		return
	}

	if !known {
		agent = providers.Agent{Kind: providers.KindCodee, JobID: jobID, ConversationID: jobID}
	}
	agent.Status = records.StatusPending
	agent.ToolSlugs = slugs
	s.agents.put(&agent)
	s.jsonResponse(w, http.StatusAccepted, jobResponse(agent))
}

// handleMessages returns the job's conversation.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	agent, known := s.agents.get(jobID)
	if !known {
		agent = providers.Agent{Kind: providers.KindCodee, JobID: jobID, ConversationID: jobID}
	}

	msgs, err := s.providers[agent.Kind].GetMessages(r.Context(), &agent)
	if err != nil {
		s.fail(w, err)
		return
	}
	if known {
		s.agents.update(jobID, func(a *providers.Agent) { a.Status = agent.Status })
	}
	if msgs == nil {
		msgs = []providers.Message{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"messages": msgs})
}

// handleState reports where a job is.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	lastID, err := s.events.LastID(r.Context(), jobID)
	if err != nil {
		s.fail(w, err)
		return
	}
	state, running := s.jobs.State(jobID)
	agent, known := s.agents.get(jobID)
	if !running && !known && lastID == 0 {
		s.fail(w, &ErrJobNotFound{JobID: jobID})
		return
	}

	resp := StateResponse{
		JobID:       jobID,
		Provider:    string(providers.KindCodee),
		LastEventID: lastID,
	}
	if running {
		resp.State = string(state)
		resp.Terminal = state.Terminal()
	}
	if known {
		resp.Provider = string(agent.Kind)
		resp.Status = string(agent.Status)
		resp.URL = agent.URL
		resp.Branch = agent.Branch
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleEvents streams the job's events as Server-Sent Events. The cursor
// comes from the last_event_id query parameter, then the Last-Event-ID
// header, and defaults to 0 (full replay). "$" starts after the newest
// event. The stream ends after the done event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	cursor, err := s.cursor(r.Context(), r, jobID)
	if err != nil {
		s.fail(w, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx := r.Context()
	ch, err := s.events.Subscribe(ctx, jobID, cursor)
	if err != nil {
		sse.WriteError(err.Error())
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.WriteEventWithID(strconv.FormatInt(ev.ID, 10), string(ev.Kind), ev.Payload()); err != nil {
				return
			}
			if ev.Kind == events.KindDone {
				return
			}
		case <-ticker.C:
			if err := sse.WriteHeartbeat(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) cursor(ctx context.Context, r *http.Request, jobID string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	switch raw {
	case "":
		return 0, nil
	case "$":
		return s.events.LastID(ctx, jobID)
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, &ErrValidation{Field: "last_event_id", Message: "must be a non-negative integer or $"}
	}
	return cursor, nil
}
