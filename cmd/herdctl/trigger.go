package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/herdctl/herdctl/internal/message"
	"github.com/herdctl/herdctl/internal/scheduler"
)

var (
	triggerPrompt string
	triggerQuiet  bool
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <agent>",
	Short: "Run an agent's job now",
	Long: `Trigger a manual job for the named agent and stream its output until
the job finishes. The exit status reflects the job outcome; Ctrl-C cancels
the job and exits 130.

The job runs inside the invoking process. Concurrency limits apply per
supervising process, so a job triggered here does not count against a
separately running 'herdctl start' supervisor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := supervisorManager()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var onMessage func(*message.Message)
		if !triggerQuiet {
			onMessage = printMessage
		}

		result, err := mgr.Scheduler().TriggerAgent(ctx, args[0], triggerPrompt, onMessage)
		if err != nil {
			return err
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			fmt.Fprintf(os.Stderr, "Job %s cancelled.\n", result.JobID)
			os.Exit(exitInterrupt)
		}

		if result.Success {
			fmt.Printf("Job %s completed (%.1fs).\n", result.JobID, result.DurationSeconds)
			return nil
		}
		return fmt.Errorf("job %s failed: %s", result.JobID, result.Error)
	},
}

var cancelTimeout time.Duration

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job",
	Long: `Cancel a job this process manages: graceful first, forced when the
runtime does not stop within the timeout. Jobs already finished report
as such.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := supervisorManager()
		if err != nil {
			return err
		}

		outcome, err := mgr.Scheduler().CancelJob(cmd.Context(), args[0], cancelTimeout)
		if err != nil {
			return err
		}
		switch outcome {
		case scheduler.CancelAlreadyStopped:
			fmt.Printf("Job %s already finished.\n", args[0])
		case scheduler.CancelForced:
			fmt.Printf("Job %s forcibly terminated.\n", args[0])
		default:
			fmt.Printf("Job %s cancelled.\n", args[0])
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVarP(&triggerPrompt, "prompt", "p", "", "prompt override (defaults to the agent's prompt)")
	triggerCmd.Flags().BoolVarP(&triggerQuiet, "quiet", "q", false, "suppress message streaming")
	cancelCmd.Flags().DurationVar(&cancelTimeout, "timeout", 10*time.Second, "grace period before forced termination")
}
