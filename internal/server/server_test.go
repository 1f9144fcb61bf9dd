package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/pipeline"
	"github.com/jonathan/codee/internal/providers"
	"github.com/jonathan/codee/internal/records"
	"github.com/jonathan/codee/internal/server/ratelimit"
)

const testAPIKey = "svc-test-key"

type submitted struct {
	kind   string
	jobID  string
	repo   string
	prompt string
	turns  []llm.Turn
	slugs  []string
}

type fakeJobs struct {
	mu     sync.Mutex
	calls  []submitted
	states map[string]pipeline.State
	err    error
}

func (f *fakeJobs) SubmitNew(_ context.Context, repo, prompt, jobID string, slugs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, submitted{kind: "new", jobID: jobID, repo: repo, prompt: prompt, slugs: slugs})
	return nil
}

func (f *fakeJobs) SubmitFollowup(_ context.Context, prompt, jobID string, turns []llm.Turn, slugs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, submitted{kind: "followup", jobID: jobID, prompt: prompt, turns: turns, slugs: slugs})
	return nil
}

func (f *fakeJobs) State(jobID string) (pipeline.State, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[jobID]
	return s, ok
}

func (f *fakeJobs) submissions() []submitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submitted(nil), f.calls...)
}

type fakeMessages map[string][]records.Message

func (f fakeMessages) ListMessages(_ context.Context, jobID string) ([]records.Message, error) {
	return f[jobID], nil
}

// fakeProvider stands in for a hosted provider.
type fakeProvider struct {
	mu   sync.Mutex
	sent []string
}

func (p *fakeProvider) Kind() providers.Kind { return providers.KindCursor }

func (p *fakeProvider) CreateAgent(_ context.Context, req providers.AgentRequest) (*providers.Agent, error) {
	if req.RepoFullName == "o/disconnected" {
		return nil, fmt.Errorf("cursor: %w", providers.ErrNotConnected)
	}
	return &providers.Agent{
		Kind: providers.KindCursor, JobID: req.JobID, ConversationID: "bc-1",
		URL: "https://cursor.example/bc-1", Branch: "cursor/x", Status: records.StatusRunning,
	}, nil
}

func (p *fakeProvider) GetMessages(context.Context, *providers.Agent) ([]providers.Message, error) {
	return []providers.Message{{ID: 1, Content: "hello from cursor", Sender: records.SenderAgent}}, nil
}

func (p *fakeProvider) SendMessage(_ context.Context, _ *providers.Agent, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	return nil
}

type harness struct {
	srv    *Server
	jobs   *fakeJobs
	log    *events.MemoryLog
	cursor *fakeProvider
	jwt    *JWTService
}

type harnessOption func(*Config, *Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	keys := &config.APIKeyConfig{Hashes: []string{string(hash)}, BcryptCost: bcrypt.MinCost}
	jwtSvc := NewJWTService(&config.JWTConfig{Secret: "test-secret-key-for-jwt-signing", ExpirationHours: 1})

	h := &harness{
		jobs:   &fakeJobs{states: map[string]pipeline.State{}},
		log:    events.NewMemoryLog(0),
		cursor: &fakeProvider{},
		jwt:    jwtSvc,
	}
	cfg := Config{Heartbeat: 20 * time.Millisecond, RateLimit: &ratelimit.Config{Enabled: false}}
	deps := Deps{
		Jobs:      h.jobs,
		Events:    h.log,
		Messages:  fakeMessages{},
		Providers: map[providers.Kind]providers.Provider{providers.KindCursor: h.cursor},
		Tokens:    jwtSvc.AsTokenValidator(),
		Keys:      keys,
	}
	for _, o := range opts {
		o(&cfg, &deps)
	}
	h.srv, err = New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(h.srv.rateLimiter.Stop)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Api-Key", testAPIKey)
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{Events: events.NewMemoryLog(0)})
	assert.Error(t, err)
	_, err = New(Config{}, Deps{Jobs: &fakeJobs{}})
	assert.Error(t, err)
}

func TestHealth_IsPublic(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestAuth(t *testing.T) {
	h := newHarness(t)
	body := `{"repository_full_name":"acme/widgets","prompt":"fix"}`

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := h.jwt.GenerateToken("user-1")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestAuth_DisabledWithoutCredentials(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Tokens, d.Keys = nil, nil })

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"repository_full_name":"a/b","prompt":"x"}`))
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSubmit_Codee(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/jobs", SubmitRequest{
		JobID:              "job-1",
		RepositoryFullName: "acme/widgets",
		Prompt:             "add a README",
		ToolSlugs:          []string{"github/commits"},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp JobResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, JobResponse{JobID: "job-1", Provider: "codee", Status: "PENDING", ConversationID: "job-1"}, resp)

	calls := h.jobs.submissions()
	require.Len(t, calls, 1)
	assert.Equal(t, submitted{kind: "new", jobID: "job-1", repo: "acme/widgets", prompt: "add a README", slugs: []string{"github/commits"}}, calls[0])
}

func TestSubmit_GeneratesJobID(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/jobs", SubmitRequest{RepositoryFullName: "acme/widgets", Prompt: "x"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp JobResponse
	decodeBody(t, w, &resp)
	assert.Len(t, resp.JobID, 36)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing repo", SubmitRequest{Prompt: "x"}, "repository_full_name"},
		{"repo without owner", SubmitRequest{RepositoryFullName: "widgets", Prompt: "x"}, "repository_full_name"},
		{"missing prompt", SubmitRequest{RepositoryFullName: "a/b"}, "prompt"},
		{"unknown provider", SubmitRequest{RepositoryFullName: "a/b", Prompt: "x", Provider: "devin"}, "provider"},
		{"empty slug", SubmitRequest{RepositoryFullName: "a/b", Prompt: "x", ToolSlugs: []string{""}}, "tool_slugs"},
		{"bad json", "{", "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.field)
		})
	}
	assert.Empty(t, h.jobs.submissions())
}

func TestSubmit_HostedProvider(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/jobs", SubmitRequest{JobID: "job-c", RepositoryFullName: "acme/widgets", Prompt: "x", Provider: "cursor"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp JobResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "bc-1", resp.ConversationID)
	assert.Equal(t, "cursor/x", resp.Branch)
	assert.Empty(t, h.jobs.submissions(), "hosted jobs do not run locally")

	w = h.do(t, http.MethodPost, "/jobs/job-c/followup", FollowupRequest{Prompt: "and tests"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"and tests"}, h.cursor.sent)

	w = h.do(t, http.MethodGet, "/jobs/job-c/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello from cursor")

	w = h.do(t, http.MethodGet, "/jobs/job-c/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state StateResponse
	decodeBody(t, w, &state)
	assert.Equal(t, "cursor", state.Provider)
	assert.Equal(t, "RUNNING", state.Status)
}

func TestSubmit_ProviderErrors(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/jobs", SubmitRequest{RepositoryFullName: "o/disconnected", Prompt: "x", Provider: "cursor"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	w = h.do(t, http.MethodPost, "/jobs", SubmitRequest{RepositoryFullName: "o/r", Prompt: "x", Provider: "jules"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "jules is not configured in the harness")

	h.jobs.err = &pipeline.InvalidJobError{Message: "prompt is required"}
	w = h.do(t, http.MethodPost, "/jobs", SubmitRequest{RepositoryFullName: "o/r", Prompt: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFollowup_ExplicitTurns(t *testing.T) {
	h := newHarness(t)

	turns := []llm.Turn{{Role: llm.RoleUser, Content: "add a README"}, {Role: llm.RoleAssistant, Content: "done"}}
	w := h.do(t, http.MethodPost, "/jobs/job-1/followup", FollowupRequest{Prompt: "now a LICENSE", PriorTurns: turns})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	calls := h.jobs.submissions()
	require.Len(t, calls, 1)
	assert.Equal(t, "followup", calls[0].kind)
	assert.Equal(t, turns, calls[0].turns)
}

func TestFollowup_StoredTurnsAndSlugs(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Messages = fakeMessages{"job-1": {
			{Content: "add a README", Sender: records.SenderUser},
			{Content: "done", Sender: records.SenderAgent},
		}}
	})

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/jobs", SubmitRequest{
		JobID: "job-1", RepositoryFullName: "a/b", Prompt: "add a README", ToolSlugs: []string{"posthog/errors"},
	}).Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/jobs/job-1/followup", FollowupRequest{Prompt: "more"}).Code)

	calls := h.jobs.submissions()
	require.Len(t, calls, 2)
	assert.Equal(t, []llm.Turn{{Role: llm.RoleUser, Content: "add a README"}, {Role: llm.RoleAssistant, Content: "done"}}, calls[1].turns)
	assert.Equal(t, []string{"posthog/errors"}, calls[1].slugs, "slugs carry over from the first run")
}

func TestFollowup_Validation(t *testing.T) {
	h := newHarness(t)

	w := h.do(t, http.MethodPost, "/jobs/job-1/followup", FollowupRequest{Prompt: "x", PriorTurns: []llm.Turn{{Role: "system", Content: "x"}}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "role")
}

func TestFollowup_NoRecordStore(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Messages = nil })

	w := h.do(t, http.MethodPost, "/jobs/job-1/followup", FollowupRequest{Prompt: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = h.do(t, http.MethodGet, "/jobs/job-1/messages", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMessages_Codee(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Messages = fakeMessages{"job-1": {{Content: "fix", Sender: records.SenderUser}}}
	})

	w := h.do(t, http.MethodGet, "/jobs/job-1/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Messages []providers.Message `json:"messages"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "fix", resp.Messages[0].Content)

	w = h.do(t, http.MethodGet, "/jobs/other/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())
}

func TestState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/jobs/job-1/state", nil).Code)

	_, err := h.log.Append(ctx, "job-1", events.KindStatus, map[string]string{"phase": "starting"})
	require.NoError(t, err)
	h.jobs.states["job-1"] = pipeline.StateRunningSession

	w := h.do(t, http.MethodGet, "/jobs/job-1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp StateResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "RUNNING_SESSION", resp.State)
	assert.False(t, resp.Terminal)
	assert.Equal(t, int64(1), resp.LastEventID)
}

// readStream collects SSE frames until the server closes the stream.
func readStream(t *testing.T, url string, header http.Header) []map[string]string {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header = header
	req.Header.Set("X-Api-Key", testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		frames []map[string]string
		cur    = map[string]string{}
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(cur) > 0 {
				frames = append(frames, cur)
				cur = map[string]string{}
			}
		case strings.HasPrefix(line, ":"):
		default:
			k, v, _ := strings.Cut(line, ": ")
			cur[k] = v
		}
	}
	return frames
}

func appendRun(t *testing.T, log events.Log, jobID string) {
	t.Helper()
	em := events.NewEmitter(log, jobID)
	ctx := context.Background()
	em.Status(ctx, "starting", "", "")
	em.Status(ctx, "workspace_ready", "", "codee/new-1")
	em.Done(ctx, events.ReasonSuccess)
}

func TestEvents_ReplayAndCursor(t *testing.T) {
	h := newHarness(t)
	appendRun(t, h.log, "job-1")
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	frames := readStream(t, ts.URL+"/jobs/job-1/events", http.Header{})
	require.Len(t, frames, 3)
	assert.Equal(t, "1", frames[0]["id"])
	assert.Equal(t, "status", frames[0]["event"])
	assert.Equal(t, "done", frames[2]["event"])

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(frames[1]["data"]), &payload))
	assert.Equal(t, "workspace_ready", payload["phase"])
	assert.Equal(t, float64(2), payload["id"])

	frames = readStream(t, ts.URL+"/jobs/job-1/events?last_event_id=2", http.Header{})
	require.Len(t, frames, 1)
	assert.Equal(t, "3", frames[0]["id"])

	frames = readStream(t, ts.URL+"/jobs/job-1/events", http.Header{"Last-Event-Id": []string{"1"}})
	require.Len(t, frames, 2)

	frames = readStream(t, ts.URL+"/jobs/job-1/events?last_event_id=2", http.Header{"Last-Event-Id": []string{"0"}})
	assert.Len(t, frames, 1, "query parameter wins over the header")
}

func TestEvents_SkipBacklog(t *testing.T) {
	h := newHarness(t)
	em := events.NewEmitter(h.log, "job-1")
	em.Status(context.Background(), "starting", "", "")
	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		em.Done(context.Background(), events.ReasonSuccess)
	}()

	frames := readStream(t, ts.URL+"/jobs/job-1/events?last_event_id=$", http.Header{})
	require.Len(t, frames, 1)
	assert.Equal(t, "done", frames[0]["event"])
}

func TestEvents_InvalidCursor(t *testing.T) {
	h := newHarness(t)
	w := h.do(t, http.MethodGet, "/jobs/job-1/events?last_event_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.RateLimit = &ratelimit.Config{
			Enabled:         true,
			DefaultLimit:    1000,
			DefaultWindow:   time.Minute,
			EndpointConfigs: []ratelimit.EndpointConfig{{Path: "/jobs", Method: "POST", Limit: 1, Window: time.Hour}},
		}
	})

	body := SubmitRequest{RepositoryFullName: "a/b", Prompt: "x"}
	assert.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/jobs", body).Code)
	w := h.do(t, http.MethodPost, "/jobs", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/jobs", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Api-Key")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ErrJobNotFound{JobID: "1"}, http.StatusNotFound},
		{&ErrValidation{Field: "f", Message: "m"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", &pipeline.InvalidJobError{Message: "x"}), http.StatusBadRequest},
		{fmt.Errorf("jules: %w", providers.ErrNotConnected), http.StatusPreconditionFailed},
		{&ErrUnavailable{Feature: "record store"}, http.StatusServiceUnavailable},
		{&providers.APIError{Provider: providers.KindJules, StatusCode: 500}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestShutdown_Drains(t *testing.T) {
	drained := false
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Drain = func(context.Context) error { drained = true; return nil }
	})

	require.NoError(t, h.srv.Shutdown(context.Background()))
	assert.True(t, drained)
}
