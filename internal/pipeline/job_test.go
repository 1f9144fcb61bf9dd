package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr string
	}{
		{name: "new", job: Job{ID: "1", Kind: KindNew, RepoFullName: "acme/widgets", Prompt: "x"}},
		{name: "followup", job: Job{ID: "1", Kind: KindFollowup, Prompt: "x"}},
		{name: "missing id", job: Job{Kind: KindNew, Prompt: "x"}, wantErr: "job id is required"},
		{name: "missing prompt", job: Job{ID: "1", Kind: KindFollowup, Prompt: "  "}, wantErr: "prompt is required"},
		{name: "new without repo", job: Job{ID: "1", Kind: KindNew, Prompt: "x"}, wantErr: "repository is required for new jobs"},
		{name: "unknown kind", job: Job{ID: "1", Kind: "rerun", Prompt: "x"}, wantErr: `unknown job kind "rerun"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "Codee: fix the build", commitMessage("fix  the\nbuild"))

	long := strings.Repeat("é", 60)
	assert.Equal(t, "Codee: "+strings.Repeat("é", 50)+"...", commitMessage(long))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateInit, StatePreparingWorkspace))
	assert.True(t, CanTransition(StateMountingSandbox, StateFailed))
	assert.False(t, CanTransition(StateInit, StateRunningSession))
	assert.False(t, CanTransition(StateCompleted, StateFailed))
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRunningSession.Terminal())
}

func TestTrackerRejectsSkippedStates(t *testing.T) {
	tr := newTracker()
	tr.start("job-1")

	var terr *TransitionError
	assert.ErrorAs(t, tr.transition("job-1", StateCompleted), &terr)
	assert.NoError(t, tr.transition("job-1", StatePreparingWorkspace))

	s, ok := tr.get("job-1")
	assert.True(t, ok)
	assert.Equal(t, StatePreparingWorkspace, s)
}

func TestMutexMap(t *testing.T) {
	m := NewMutexMap()
	m.Lock("a")
	m.Lock("b")
	m.Unlock("a")
	m.Unlock("b")
}
