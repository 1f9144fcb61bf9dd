package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/llm"
	"github.com/jonathan/codee/internal/prompts"
	"github.com/jonathan/codee/internal/records"
	"github.com/jonathan/codee/internal/sandbox"
	"github.com/jonathan/codee/internal/tools"
	"github.com/jonathan/codee/internal/workspace"
)

// Status event phases emitted by the orchestrator.
const (
	PhaseStarting       = "starting"
	PhaseWorkspaceReady = "workspace_ready"
	PhaseSandboxReady   = "sandbox_ready"
	PhaseAgentStart     = "agent_start"
	PhasePushed         = "pushed"
	PhasePushFailed     = "push_failed"
	PhaseComplete       = "complete"
)

// Workspaces prepares and updates job working trees.
type Workspaces interface {
	PrepareNew(ctx context.Context, jobID, repoFullName string) (string, error)
	LoadExisting(jobID string) (string, error)
	Branch(ctx context.Context, jobID string) (string, error)
	WriteFile(ctx context.Context, jobID, relPath string, content []byte) error
	CommitAndPush(ctx context.Context, jobID, message string) (*workspace.PushResult, error)
}

// Sandboxes mounts job workspaces into isolated environments.
type Sandboxes interface {
	Mount(ctx context.Context, jobID string) (*sandbox.Handle, error)
	Exec(ctx context.Context, h *sandbox.Handle, command string, timeout time.Duration) (string, error)
	Unmount(ctx context.Context, h *sandbox.Handle)
}

// Records is the external record store.
type Records interface {
	SetStatus(ctx context.Context, jobID string, status records.Status) error
	SaveMessage(ctx context.Context, jobID, message string) (string, error)
	BulkToolCalls(ctx context.Context, jobID, messageID string, calls []records.ToolCall) error
	FetchIntegrationKey(ctx context.Context, jobID, provider string) (string, error)
}

// Tools resolves tool slugs for a job.
type Tools interface {
	Resolve(ctx context.Context, slugs []string, env *tools.Env) (*tools.Toolset, error)
	Evict(jobID string)
}

// Options tune the orchestrator.
type Options struct {
	CommandTimeout time.Duration
	// SessionTimeout bounds the reasoning session. Zero means no bound.
	SessionTimeout time.Duration
	AutoPush       bool
	JobLocking     bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Events     events.Log
	Workspaces Workspaces
	Sandboxes  Sandboxes
	Records    Records
	Tools      Tools
	Engine     llm.Engine
	Options    Options
}

// Orchestrator runs jobs through the state machine.
type Orchestrator struct {
	events     events.Log
	workspaces Workspaces
	sandboxes  Sandboxes
	records    Records
	tools      Tools
	engine     llm.Engine
	opts       Options

	states *tracker
	locks  *MutexMap
	wg     sync.WaitGroup
}

// New creates an orchestrator. Every dependency is required.
func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Events == nil:
		return nil, fmt.Errorf("event log is required")
	case d.Workspaces == nil:
		return nil, fmt.Errorf("workspace repository is required")
	case d.Sandboxes == nil:
		return nil, fmt.Errorf("sandbox manager is required")
	case d.Records == nil:
		return nil, fmt.Errorf("record store client is required")
	case d.Tools == nil:
		return nil, fmt.Errorf("tool registry is required")
	case d.Engine == nil:
		return nil, fmt.Errorf("reasoning engine is required")
	}

	o := &Orchestrator{
		events:     d.Events,
		workspaces: d.Workspaces,
		sandboxes:  d.Sandboxes,
		records:    d.Records,
		tools:      d.Tools,
		engine:     d.Engine,
		opts:       d.Options,
		states:     newTracker(),
	}
	if d.Options.JobLocking {
		o.locks = NewMutexMap()
	}
	return o, nil
}

// SubmitNew starts a job that clones repoFullName. It returns once the job
// is accepted; the run continues in the background.
func (o *Orchestrator) SubmitNew(ctx context.Context, repoFullName, prompt, jobID string, toolSlugs []string) error {
	return o.submit(ctx, Job{
		ID:           jobID,
		Kind:         KindNew,
		RepoFullName: repoFullName,
		Prompt:       prompt,
		ToolSlugs:    toolSlugs,
	})
}

// SubmitFollowup starts a job on an existing workspace.
func (o *Orchestrator) SubmitFollowup(ctx context.Context, prompt, jobID string, priorTurns []llm.Turn, toolSlugs []string) error {
	return o.submit(ctx, Job{
		ID:         jobID,
		Kind:       KindFollowup,
		Prompt:     prompt,
		PriorTurns: priorTurns,
		ToolSlugs:  toolSlugs,
	})
}

func (o *Orchestrator) submit(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	o.setStatus(ctx, job.ID, records.StatusPending)

	// The run outlives the request that submitted it.
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.Run(runCtx, job)
	}()
	return nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits for running jobs until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still running: %w", ctx.Err())
	}
}

// State returns the current state of a job run by this process.
func (o *Orchestrator) State(jobID string) (State, bool) {
	return o.states.get(jobID)
}

// Run executes job synchronously and returns its terminal error. Every run
// ends with exactly one done event, appended last.
func (o *Orchestrator) Run(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if o.locks != nil {
		o.locks.Lock(job.ID)
		defer o.locks.Unlock(job.ID)
	}

	start := time.Now()
	em := events.NewEmitter(o.events, job.ID)
	o.states.start(job.ID)

	if err := o.events.Reset(ctx, job.ID); err != nil {
		log.Printf("[pipeline] failed to reset event log for job %s: %v", job.ID, err)
	}
	o.setStatus(ctx, job.ID, records.StatusRunning)
	em.Status(ctx, PhaseStarting, "", "")
	log.Printf("[pipeline] job %s (%s) started", job.ID, job.Kind)

	err := o.execute(ctx, job, em)

	reason := events.ReasonSuccess
	if err != nil {
		reason = events.ReasonError
		em.Error(ctx, errorCode(err), errorMessage(err))
		o.setStatus(ctx, job.ID, records.StatusFailed)
		_ = o.states.transition(job.ID, StateFailed)
		log.Printf("[pipeline] job %s failed after %s: %v", job.ID, time.Since(start).Round(time.Millisecond), err)
	} else {
		o.setStatus(ctx, job.ID, records.StatusCompleted)
		_ = o.states.transition(job.ID, StateCompleted)
		log.Printf("[pipeline] job %s completed in %s", job.ID, time.Since(start).Round(time.Millisecond))
	}

	o.tools.Evict(job.ID)
	em.Done(ctx, reason)
	return err
}

// execute walks the job from workspace preparation to a delivered session.
func (o *Orchestrator) execute(ctx context.Context, job Job, em *events.Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SessionError{JobID: job.ID, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	_ = o.states.transition(job.ID, StatePreparingWorkspace)
	branch, err := o.prepare(ctx, job)
	if err != nil {
		return err
	}
	em.Status(ctx, PhaseWorkspaceReady, "", branch)

	_ = o.states.transition(job.ID, StateMountingSandbox)
	h, err := o.sandboxes.Mount(ctx, job.ID)
	if err != nil {
		return &SetupError{JobID: job.ID, Code: CodeDockerMountFailed, Cause: err}
	}
	defer o.sandboxes.Unmount(context.WithoutCancel(ctx), h)
	em.Status(ctx, PhaseSandboxReady, "", h.Driver)

	_ = o.states.transition(job.ID, StateRunningSession)
	return o.session(ctx, job, branch, h, em)
}

func (o *Orchestrator) prepare(ctx context.Context, job Job) (string, error) {
	switch job.Kind {
	case KindNew:
		branch, err := o.workspaces.PrepareNew(ctx, job.ID, job.RepoFullName)
		if err != nil {
			return "", &SetupError{JobID: job.ID, Code: workspaceCode(err, CodeWorkspaceNotFound), Cause: err}
		}
		return branch, nil
	default:
		if _, err := o.workspaces.LoadExisting(job.ID); err != nil {
			return "", &SetupError{JobID: job.ID, Code: workspaceCode(err, CodeWorkspaceNotInitialized), Cause: err}
		}
		branch, err := o.workspaces.Branch(ctx, job.ID)
		if err != nil {
			return "", &SetupError{JobID: job.ID, Code: CodeWorkspaceNotInitialized, Cause: err}
		}
		return branch, nil
	}
}

func (o *Orchestrator) session(ctx context.Context, job Job, branch string, h *sandbox.Handle, em *events.Emitter) error {
	env := &tools.Env{
		JobID:   job.ID,
		Sandbox: h,
		Exec:    o.sandboxes,
		Files:   o.workspaces,
		Keys:    o.records,
		Timeout: o.opts.CommandTimeout,
	}
	set, err := o.tools.Resolve(ctx, job.ToolSlugs, env)
	if err != nil {
		return &SessionError{JobID: job.ID, Cause: err}
	}

	inv := tools.NewInvoker(set, em)
	sess := llm.Session{
		JobID:        job.ID,
		Prompt:       job.Prompt,
		PriorTurns:   job.PriorTurns,
		SystemPrompt: systemPrompt(job, branch, set.Prompts),
		Tools:        set.Declarations(),
		Invoke:       inv.Invoke,
	}

	em.Status(ctx, PhaseAgentStart, "", "")
	sctx := ctx
	if o.opts.SessionTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, o.opts.SessionTimeout)
		defer cancel()
	}
	tr, err := o.engine.Run(sctx, sess)
	if err != nil {
		return &SessionError{JobID: job.ID, Cause: err}
	}

	if o.opts.AutoPush {
		o.push(ctx, job, em)
	}
	o.deliver(ctx, job, tr)
	em.Status(ctx, PhaseComplete, "", "")
	return nil
}

// push commits and publishes the job branch. Failures are reported but do
// not fail the job.
func (o *Orchestrator) push(ctx context.Context, job Job, em *events.Emitter) {
	res, err := o.workspaces.CommitAndPush(ctx, job.ID, commitMessage(job.Prompt))
	if err != nil {
		derr := &records.DeliveryError{Op: "push", JobID: job.ID, Cause: err}
		log.Printf("[pipeline] %v", derr)
		em.Status(ctx, PhasePushFailed, "", err.Error())
		return
	}
	detail := res.Branch
	if !res.Committed {
		detail += " (no changes)"
	}
	em.Status(ctx, PhasePushed, "", detail)
}

// deliver persists the final message and the tool calls of the run.
func (o *Orchestrator) deliver(ctx context.Context, job Job, tr *llm.Transcript) {
	messageID, err := o.records.SaveMessage(ctx, job.ID, tr.FinalMessage)
	if err != nil {
		log.Printf("[pipeline] failed to save final message for job %s: %v", job.ID, err)
		return
	}

	evts, err := o.events.Range(ctx, job.ID, 0)
	if err != nil {
		log.Printf("[pipeline] failed to read event log for job %s: %v", job.ID, err)
		return
	}
	calls := records.CollectToolCalls(evts)
	if len(calls) == 0 {
		return
	}
	if err := o.records.BulkToolCalls(ctx, job.ID, messageID, calls); err != nil {
		log.Printf("[pipeline] failed to submit %d tool calls for job %s: %v", len(calls), job.ID, err)
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, jobID string, status records.Status) {
	if err := o.records.SetStatus(ctx, jobID, status); err != nil {
		log.Printf("[pipeline] failed to set status %s for job %s: %v", status, jobID, err)
	}
}

// errorMessage is the text of the error event: the underlying cause without
// the job prefix.
func errorMessage(err error) string {
	var setup *SetupError
	if errors.As(err, &setup) && setup.Cause != nil {
		return setup.Cause.Error()
	}
	var sess *SessionError
	if errors.As(err, &sess) && sess.Cause != nil {
		return sess.Cause.Error()
	}
	return err.Error()
}

func systemPrompt(job Job, branch string, fragments []string) string {
	var sb strings.Builder
	sb.WriteString(prompts.Format(prompts.MustGet("agent.json", "system"), map[string]string{"Branch": branch}))
	if job.Kind == KindFollowup {
		sb.WriteString("\n\n")
		sb.WriteString(prompts.MustGet("agent.json", "followup"))
	}
	if len(fragments) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(prompts.MustGet("agent.json", "tools-header"))
		for _, f := range fragments {
			sb.WriteString("\n- ")
			sb.WriteString(f)
		}
	}
	return sb.String()
}
