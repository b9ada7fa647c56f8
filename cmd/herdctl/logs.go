package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/herdctl/herdctl/internal/message"
)

// exitInterrupt is the conventional exit status for SIGINT.
const exitInterrupt = 130

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print a job's message log",
	Long: `Print the recorded messages of a job. With --follow the command keeps
streaming appended messages until the job finishes or Ctrl-C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := queryManager()
		if err != nil {
			return err
		}
		jobID := args[0]

		if !logsFollow {
			msgs, err := mgr.JobMessages(jobID)
			if err != nil {
				return err
			}
			for _, msg := range msgs {
				printMessage(msg)
			}
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		err = mgr.FollowJob(ctx, jobID, func(msg *message.Message) bool {
			printMessage(msg)
			return true
		})
		if errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupt)
		}
		return err
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "stream messages as they are appended")
}

func printMessage(msg *message.Message) {
	ts := msg.Timestamp.Local().Format("15:04:05")
	switch msg.Type {
	case message.TypeSystem:
		fmt.Printf("%s [system:%s] %s\n", ts, msg.Subtype, msg.Content)
	case message.TypeAssistant:
		fmt.Printf("%s %s\n", ts, msg.Content)
	case message.TypeToolUse:
		fmt.Printf("%s [tool] %s %s\n", ts, msg.ToolName, compactJSON(msg.Input))
	case message.TypeToolResult:
		status := "ok"
		if msg.Success != nil && !*msg.Success {
			status = "failed"
		}
		fmt.Printf("%s [tool:%s] %s\n", ts, status, compactJSON(msg.Result))
	case message.TypeError:
		fmt.Printf("%s [error:%s] %s\n", ts, msg.Code, msg.ErrorMessage)
	default:
		fmt.Printf("%s [%s]\n", ts, msg.Type)
	}
}

// compactJSON renders a raw JSON payload on one line, clipped for terminals.
func compactJSON(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) > 200 {
		s = s[:197] + "..."
	}
	return s
}
