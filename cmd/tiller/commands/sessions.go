package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tillerhq/tiller/internal/session"
)

var (
	sessionsDirFlag string
	sessionsOutput  string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on disk",
	Long: `List the session snapshots under the sessions directory.

Examples:
  tiller sessions
  tiller sessions -o json
  tiller sessions --dir ./sessions -o yaml`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDirFlag, "dir", "", "Sessions directory")
	sessionsCmd.Flags().StringVarP(&sessionsOutput, "output", "o", "table", "Output format: table, json, yaml")
}

func runSessions(cmd *cobra.Command, args []string) error {
	dir, err := resolveSessionsDir(sessionsDirFlag)
	if err != nil {
		return err
	}

	sessions, err := session.ListSessions(dir)
	if err != nil {
		return err
	}

	switch strings.ToLower(sessionsOutput) {
	case "table":
		return printSessionsTable(sessions)
	case "json":
		return printJSON(os.Stdout, sessions)
	case "yaml":
		return printYAML(os.Stdout, sessions)
	default:
		return fmt.Errorf("invalid output format: %s (must be table, json, or yaml)", sessionsOutput)
	}
}

func printSessionsTable(sessions []*session.Metadata) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tTURNS\tCONTEXT\tUPDATED\t")

	for _, m := range sessions {
		cw := "-"
		if m.ContextWindowSize > 0 {
			cw = fmt.Sprintf("%d/%d", m.ContextTokens, m.ContextWindowSize)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t\n",
			m.SessionID,
			m.Status,
			m.Turns,
			cw,
			time.UnixMilli(m.UpdatedAt).Format(time.RFC3339),
		)
	}

	return w.Flush()
}
