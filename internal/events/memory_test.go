package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendN(t *testing.T, l Log, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := l.Append(context.Background(), jobID, KindStatus, map[string]string{FieldPhase: "running"})
		require.NoError(t, err)
	}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("subscription did not close")
			return out
		}
	}
}

func ids(evts []Event) []int64 {
	out := make([]int64, 0, len(evts))
	for _, e := range evts {
		out = append(out, e.ID)
	}
	return out
}

func TestMemoryLog_AppendAssignsMonotonicIDs(t *testing.T) {
	l := NewMemoryLog(0)
	ctx := context.Background()

	first, err := l.Append(ctx, "job-1", KindStatus, nil)
	require.NoError(t, err)
	second, err := l.Append(ctx, "job-1", KindStatus, nil)
	require.NoError(t, err)
	other, err := l.Append(ctx, "job-2", KindStatus, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
}

func TestMemoryLog_SubscribeReplaysSuffix(t *testing.T) {
	l := NewMemoryLog(0)
	ctx := context.Background()
	appendN(t, l, "job", 5)
	_, err := l.Append(ctx, "job", KindDone, map[string]string{FieldReason: ReasonSuccess})
	require.NoError(t, err)

	for cursor := int64(0); cursor < 6; cursor++ {
		ch, err := l.Subscribe(ctx, "job", cursor)
		require.NoError(t, err)
		got := collect(t, ch)

		var want []int64
		for id := cursor + 1; id <= 6; id++ {
			want = append(want, id)
		}
		assert.Equal(t, want, ids(got), "cursor %d", cursor)
	}
}

func TestMemoryLog_SubscribeReceivesLiveEventsAndStopsAfterDone(t *testing.T) {
	l := NewMemoryLog(0)
	ctx := context.Background()

	ch, err := l.Subscribe(ctx, "job", 0)
	require.NoError(t, err)

	go func() {
		for i := 0; i < 3; i++ {
			_, _ = l.Append(ctx, "job", KindStatus, map[string]string{FieldStep: "tool_read_file"})
		}
		_, _ = l.Append(ctx, "job", KindDone, map[string]string{FieldReason: ReasonSuccess})
		_, _ = l.Append(ctx, "job", KindStatus, nil)
	}()

	got := collect(t, ch)
	require.Len(t, got, 4)
	assert.Equal(t, KindDone, got[3].Kind)
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(got))
}

func TestMemoryLog_SubscribeStopsOnCancel(t *testing.T) {
	l := NewMemoryLog(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := l.Subscribe(ctx, "job", 0)
	require.NoError(t, err)
	cancel()

	got := collect(t, ch)
	assert.Empty(t, got)
}

func TestMemoryLog_ResetIsolatesRuns(t *testing.T) {
	l := NewMemoryLog(0)
	ctx := context.Background()

	appendN(t, l, "job", 3)
	_, err := l.Append(ctx, "job", KindDone, map[string]string{FieldReason: ReasonError})
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx, "job"))
	_, err = l.Append(ctx, "job", KindStatus, map[string]string{FieldPhase: "starting"})
	require.NoError(t, err)
	_, err = l.Append(ctx, "job", KindDone, map[string]string{FieldReason: ReasonSuccess})
	require.NoError(t, err)

	ch, err := l.Subscribe(ctx, "job", 0)
	require.NoError(t, err)
	got := collect(t, ch)

	require.Len(t, got, 2)
	assert.Equal(t, "starting", got[0].Field(FieldPhase))
	assert.Equal(t, ReasonSuccess, got[1].Field(FieldReason))
	assert.Greater(t, got[0].ID, int64(4), "ids continue across reset")
}

func TestMemoryLog_RetentionResumesFromOldest(t *testing.T) {
	l := NewMemoryLog(3)
	appendN(t, l, "job", 10)

	evts, err := l.Range(context.Background(), "job", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{8, 9, 10}, ids(evts))

	last, err := l.LastID(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, int64(10), last)
}

func TestEvent_Payload(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	e := Event{
		ID:        7,
		Kind:      KindError,
		Fields:    map[string]string{FieldCode: "pipeline_failure", FieldDetail: "boom"},
		Timestamp: ts,
	}

	payload := e.Payload()
	assert.Equal(t, int64(7), payload["id"])
	assert.Equal(t, "error", payload["event"])
	assert.Equal(t, int64(1700000000123), payload["timestamp"])
	assert.Equal(t, "pipeline_failure", payload["code"])
	assert.Equal(t, "boom", payload["detail"])
}
