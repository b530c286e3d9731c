package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/pkg/types"
)

var (
	replayDirFlag string
	replayOutput  string
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-id>",
	Short: "Print a session's conversation",
	Long: `Reconstruct a session's conversation from its event log and print it.

The transcript is rebuilt the same way a resume rebuilds it, so what
prints here is exactly the history a resumed session would start from.

Examples:
  tiller replay 01JF8Z3GN3T0EXAMPLE0000000
  tiller replay 01JF8Z3GN3T0EXAMPLE0000000 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayDirFlag, "dir", "", "Sessions directory")
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", "text", "Output format: text, json, yaml")
}

func runReplay(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	dir, err := resolveSessionsDir(replayDirFlag)
	if err != nil {
		return err
	}

	meta, err := session.ReadMetadata(dir, sessionID)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("no session %s under %s", sessionID, dir)
	}

	history, err := session.ReplayEventLog(session.EventLogPath(dir, sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if history == nil {
		history = []types.Message{}
	}

	switch strings.ToLower(replayOutput) {
	case "text":
		printTranscript(meta, history)
		return nil
	case "json":
		return printJSON(os.Stdout, history)
	case "yaml":
		return printYAML(os.Stdout, history)
	default:
		return fmt.Errorf("invalid output format: %s (must be text, json, or yaml)", replayOutput)
	}
}

func printTranscript(meta *session.Metadata, history []types.Message) {
	fmt.Printf("Session %s (%s, %d turns)\n\n", meta.SessionID, meta.Status, meta.Turns)

	if len(history) == 0 {
		fmt.Println("(no conversation yet)")
		return
	}
	for _, msg := range history {
		fmt.Printf("[%s]\n%s\n\n", msg.Role, msg.Text())
	}
}
