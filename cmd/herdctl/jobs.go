package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/herdctl/herdctl/internal/state"
)

var jobsAgent string
var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List and inspect jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}
		jobs, err := mgr.Jobs(jobsAgent)
		if err != nil {
			return err
		}
		if jobsLimit > 0 && len(jobs) > jobsLimit {
			jobs = jobs[:jobsLimit]
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tAGENT\tTRIGGER\tSTATUS\tEXIT\tSTARTED\tDURATION")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				j.ID, j.Agent, j.TriggerType, j.Status, orDash(j.ExitReason),
				j.StartedAt.Local().Format("2006-01-02 15:04:05"), formatDuration(j))
		}
		return w.Flush()
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}
		job, err := mgr.Job(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Job:      %s\n", job.ID)
		fmt.Printf("Agent:    %s\n", job.Agent)
		if job.Schedule != "" {
			fmt.Printf("Schedule: %s\n", job.Schedule)
		}
		fmt.Printf("Trigger:  %s\n", job.TriggerType)
		fmt.Printf("Status:   %s\n", job.Status)
		if job.ExitReason != "" {
			fmt.Printf("Exit:     %s\n", job.ExitReason)
		}
		if job.SessionID != "" {
			fmt.Printf("Session:  %s\n", job.SessionID)
		}
		if job.ForkedFrom != "" {
			fmt.Printf("Forked:   from %s\n", job.ForkedFrom)
		}
		fmt.Printf("Started:  %s\n", job.StartedAt.Local().Format("2006-01-02 15:04:05"))
		if job.FinishedAt != nil {
			fmt.Printf("Finished: %s (%s)\n", job.FinishedAt.Local().Format("2006-01-02 15:04:05"), formatDuration(job))
		}
		if job.Error != "" {
			fmt.Printf("Error:    %s\n", job.Error)
		}
		if job.Summary != "" {
			fmt.Printf("\n%s\n", job.Summary)
		}
		return nil
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsAgent, "agent", "", "only jobs for this agent")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs to list (0 for all)")
	jobsCmd.AddCommand(jobsShowCmd)
}

func formatDuration(j *state.Job) string {
	if j.DurationSeconds == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", *j.DurationSeconds)
}
