package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the fleet supervisor in the foreground",
	Long: `Start the supervisor: load agent definitions, begin the scheduling
loop and block until SIGTERM or Ctrl-C. The process records its pid under
the state root so 'herdctl stop' can reach it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := supervisorManager()
		if err != nil {
			return err
		}
		return mgr.Run(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running supervisor",
	Long: `Signal the supervisor recorded in the pid file with SIGTERM and wait
for it to drain. A supervisor that does not exit within the escalation
delay is killed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}
		if err := mgr.StopByPID(); err != nil {
			return err
		}
		fmt.Println("Supervisor stopped.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}
		fs, err := mgr.Status()
		if err != nil {
			return err
		}

		if fs.Running {
			fmt.Printf("Supervisor: running (pid %d, started %s)\n", fs.PID, fs.StartedAt.Local().Format(time.RFC3339))
		} else {
			fmt.Println("Supervisor: stopped")
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tRUNNING\tLAST JOB\tLAST STATUS\tLAST RUN")
		for _, a := range fs.Agents {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
				a.Name, a.RunningJobs,
				orDash(a.LastJobID), orDash(a.LastStatus), formatTime(a.LastRunAt))
		}
		w.Flush()

		for _, a := range fs.Agents {
			if len(a.Schedules) == 0 {
				continue
			}
			fmt.Printf("\nSchedules for %s:\n", a.Name)
			sw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(sw, "  NAME\tTYPE\tSTATUS\tNEXT RUN\tLAST ERROR")
			for _, s := range a.Schedules {
				fmt.Fprintf(sw, "  %s\t%s\t%s\t%s\t%s\n",
					s.Name, s.Type, s.Status, formatTime(s.NextRunAt), orDash(s.LastError))
			}
			sw.Flush()
		}
		return nil
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tRUNTIME\tWORKDIR\tMAX CONCURRENT\tSCHEDULES\tCONTAINER")
		for _, a := range mgr.Agents() {
			container := "no"
			if a.IsContainerized() {
				container = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				a.Name, a.Runtime, a.WorkingDir, a.MaxConcurrent, len(a.Schedules), container)
		}
		return w.Flush()
	},
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
