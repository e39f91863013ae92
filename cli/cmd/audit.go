package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eatyourpeas-ltd/checktick/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	Long: `Query the append-only audit log. Every recovery workflow transition and
key lifecycle operation is recorded; the log is the system of record for
who approved what and when.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long:  `Query audit events with optional filters, newest first.`,
	RunE:  runAuditQuery,
}

var (
	auditAction       string
	auditRequestCode  string
	auditSurveyID     string
	auditUserID       string
	auditActor        string
	auditFailuresOnly bool
	auditRecoveryOnly bool
	auditSince        string
	auditLimit        int
	auditJSON         bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditQueryCmd)

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "filter by action")
	auditQueryCmd.Flags().StringVar(&auditRequestCode, "request-code", "", "filter by recovery request code")
	auditQueryCmd.Flags().StringVar(&auditSurveyID, "survey", "", "filter by survey identifier")
	auditQueryCmd.Flags().StringVar(&auditUserID, "user", "", "filter by user identifier")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "filter by acting administrator")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures", false, "show only failed events")
	auditQueryCmd.Flags().BoolVar(&auditRecoveryOnly, "recovery-only", false, "show only recovery workflow events")
	auditQueryCmd.Flags().StringVar(&auditSince, "since", "", "show events after this time (RFC3339 or duration like 24h)")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "maximum number of events to return")
	auditQueryCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	options := audit.QueryOptions{
		Action:       auditAction,
		RequestCode:  auditRequestCode,
		SurveyID:     auditSurveyID,
		UserID:       auditUserID,
		Actor:        auditActor,
		RecoveryOnly: auditRecoveryOnly,
		Limit:        auditLimit,
	}

	if auditFailuresOnly {
		failed := false
		options.Success = &failed
	}

	if auditSince != "" {
		since, err := parseTimeOrDuration(auditSince)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("invalid --since value: %w", err), started)
		}
		options.Since = &since
	}

	result, err := auditLogger.Query(options)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("audit query failed: %w", err), started)
	}

	if auditJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(result.Events) == 0 {
		fmt.Println("No audit events matched.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tOK\tREQUEST\tSURVEY\tUSER\tACTOR")
	for _, e := range result.Events {
		ok := "yes"
		if !e.Success {
			ok = "NO"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Action, ok,
			e.RequestCode, e.SurveyID, e.UserID, e.Actor)
	}
	w.Flush()

	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events (raise --limit for more).\n",
			len(result.Events), result.Filtered)
	}

	return auditCmdComplete(cmd, nil, started)
}

// parseTimeOrDuration accepts either an absolute RFC3339 timestamp or a
// relative duration meaning "that long ago".
func parseTimeOrDuration(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("not an RFC3339 time or duration: %s", value)
	}
	return time.Now().Add(-d), nil
}
