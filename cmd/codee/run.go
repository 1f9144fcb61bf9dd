package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/codee/internal/config"
	"github.com/jonathan/codee/internal/events"
	"github.com/jonathan/codee/internal/observability"
	"github.com/jonathan/codee/internal/providers"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Run a single job in the foreground and print its events",
	Long: `Runs one job through the pipeline: workspace -> sandbox -> reasoning session -> push.

With --followup the job continues on the existing workspace of --job-id and the
stored conversation is replayed to the model.`,
	RunE: runJobCmd,
}

var (
	runRepo     string
	runPrompt   string
	runJobID    string
	runTools    []string
	runFollowup bool
	runVerbose  bool
)

func init() {
	runCommand.Flags().StringVarP(&runRepo, "repo", "r", "", "Repository full name (owner/name)")
	runCommand.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Instruction for the agent")
	runCommand.Flags().StringVar(&runJobID, "job-id", "", "Job id (generated when empty)")
	runCommand.Flags().StringSliceVarP(&runTools, "tool", "t", nil, "Tool slug to enable (repeatable)")
	runCommand.Flags().BoolVar(&runFollowup, "followup", false, "Continue an existing job")
	runCommand.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print every event field")

	_ = runCommand.MarkFlagRequired("prompt")
	rootCmd.AddCommand(runCommand)
}

func validateRunFlags() error {
	if runFollowup && runJobID == "" {
		return fmt.Errorf("--job-id is required with --followup")
	}
	if !runFollowup && runRepo == "" {
		return fmt.Errorf("--repo is required for new jobs")
	}
	return nil
}

func runJobCmd(cmd *cobra.Command, _ []string) error {
	if err := validateRunFlags(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	w, err := newWorker(ctx, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	jobID := runJobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	cursor, err := w.events.LastID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to read event cursor: %w", err)
	}

	// Interrupts stop the output; the job itself finishes before exit.
	watchCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	stream, err := w.events.Subscribe(watchCtx, jobID, cursor)
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	start := time.Now()
	if runFollowup {
		stored, err := w.records.ListMessages(ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}
		err = w.orch.SubmitFollowup(ctx, runPrompt, jobID, providers.Turns(stored), runTools)
		if err != nil {
			return err
		}
	} else if err := w.orch.SubmitNew(ctx, runRepo, runPrompt, jobID, runTools); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s submitted\n", jobID)

	printer := observability.NewPrinter(cmd.OutOrStdout(), runVerbose)
	seen := collect(stream, printer.PrintEvent)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.orch.Shutdown(drainCtx); err != nil {
		return err
	}
	printer.PrintJobSummary(jobID, seen, time.Since(start))

	if !succeeded(seen) {
		return fmt.Errorf("job %s did not complete", jobID)
	}
	return nil
}

// collect forwards events to fn until the stream closes and returns them.
func collect(stream <-chan events.Event, fn func(events.Event)) []events.Event {
	var seen []events.Event
	for ev := range stream {
		fn(ev)
		seen = append(seen, ev)
	}
	return seen
}

// succeeded reports whether the last event is a successful done.
func succeeded(evts []events.Event) bool {
	if len(evts) == 0 {
		return false
	}
	last := evts[len(evts)-1]
	return last.Kind == events.KindDone && last.Field(events.FieldReason) == events.ReasonSuccess
}
