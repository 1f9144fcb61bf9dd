package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/events"
)

func TestValidateRunFlags(t *testing.T) {
	defer func() { runRepo, runJobID, runFollowup = "", "", false }()

	runRepo, runJobID, runFollowup = "", "", false
	assert.EqualError(t, validateRunFlags(), "--repo is required for new jobs")

	runRepo = "acme/widgets"
	assert.NoError(t, validateRunFlags())

	runRepo, runFollowup = "", true
	assert.EqualError(t, validateRunFlags(), "--job-id is required with --followup")

	runJobID = "job-1"
	assert.NoError(t, validateRunFlags())
}

func TestCollectAndSucceeded(t *testing.T) {
	log := events.NewMemoryLog(0)
	em := events.NewEmitter(log, "job-1")
	ctx := context.Background()
	em.Status(ctx, "starting", "", "")
	em.Done(ctx, events.ReasonSuccess)

	stream, err := log.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)

	var printed int
	seen := collect(stream, func(events.Event) { printed++ })
	assert.Len(t, seen, 2)
	assert.Equal(t, 2, printed)
	assert.True(t, succeeded(seen))

	assert.False(t, succeeded(nil))
	assert.False(t, succeeded(seen[:1]))
	failed := []events.Event{{Kind: events.KindDone, Fields: map[string]string{events.FieldReason: events.ReasonError}}}
	assert.False(t, succeeded(failed))
}

func TestOpenEvents_Memory(t *testing.T) {
	l, database, err := openEvents(context.Background(), &config.Config{EventLogRetention: 10})
	require.NoError(t, err)
	assert.Nil(t, database)
	assert.IsType(t, &events.MemoryLog{}, l)
}

func TestEngineConfig(t *testing.T) {
	ec := engineConfig(&config.Config{})
	assert.Equal(t, "gemini-2.5-flash", ec.SessionModel())

	ec = engineConfig(&config.Config{GeminiModel: "gemini-exp"})
	assert.Equal(t, "gemini-exp", ec.SessionModel())
}

func TestAuthenticators(t *testing.T) {
	tokens, keys, err := authenticators(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, tokens)
	assert.Nil(t, keys)

	hash, err := bcrypt.GenerateFromPassword([]byte("k"), bcrypt.MinCost)
	require.NoError(t, err)
	t.Setenv("BCRYPT_COST", "4")
	tokens, keys, err = authenticators(&config.Config{JWTSecret: "secret", APIKeyHashes: []string{string(hash)}})
	require.NoError(t, err)
	assert.NotNil(t, tokens)
	require.NotNil(t, keys)
	assert.True(t, keys.VerifyKey("k"))

	_, _, err = authenticators(&config.Config{APIKeyHashes: []string{"not-a-hash"}})
	assert.Error(t, err)
}

func TestWorker_RequiresGeminiKey(t *testing.T) {
	_, err := newWorker(context.Background(), &config.Config{})
	assert.EqualError(t, err, "GEMINI_API_KEY is required")
}

func TestHashKeyCommand(t *testing.T) {
	t.Setenv("BCRYPT_COST", "4")
	var out bytes.Buffer
	hashKeyCmd.SetOut(&out)
	require.NoError(t, hashKeyCmd.RunE(hashKeyCmd, []string{"svc-key"}))

	hash := bytes.TrimSpace(out.Bytes())
	assert.NoError(t, bcrypt.CompareHashAndPassword(hash, []byte("svc-key")))
}

func TestCollect_StopsOnCancel(t *testing.T) {
	log := events.NewMemoryLog(0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stream, err := log.Subscribe(ctx, "job-1", 0)
	require.NoError(t, err)
	assert.Empty(t, collect(stream, func(events.Event) {}))
}
