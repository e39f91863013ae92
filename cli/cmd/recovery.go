package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/eatyourpeas-ltd/checktick"
)

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Administer key recovery requests",
	Long: `Administer emergency key recovery requests: list and inspect requests,
record administrator approvals, cancel requests, and run the time-delay
scheduler pass that releases keys once their waiting period has elapsed.`,
}

var recoveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recovery requests",
	Long:  `List recovery requests, optionally filtered by workflow state.`,
	RunE:  runRecoveryList,
}

var recoveryShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show a recovery request",
	Long:  `Display the full state of a single recovery request including approvals and timestamps.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoveryShow,
}

var recoveryApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a recovery request",
	Long: `Record an administrator approval on a recovery request. Two distinct
administrators must approve before the mandatory delay starts; approving
the same request twice as the same administrator has no effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecoveryApprove,
}

var recoveryCancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a recovery request",
	Long:  `Cancel a recovery request from any non-terminal state.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRecoveryCancel,
}

var recoveryProcessCmd = &cobra.Command{
	Use:   "process-delays <share-file>...",
	Short: "Run the time-delay scheduler pass",
	Long: `Scan all recovery requests: cancel verification challenges whose expiry
has passed, and execute approved requests whose mandatory delay has
elapsed. Execution reconstructs the platform key from the stored vault
component and the custodian shares provided as arguments, so this command
is only needed when approved requests are actually due; use --dry-run to
preview without shares.`,
	RunE: runRecoveryProcess,
}

var (
	recoveryState  string
	recoveryJSON   bool
	approveAsAdmin string
	cancelReason   string
	processDryRun  bool
)

func init() {
	rootCmd.AddCommand(recoveryCmd)

	recoveryCmd.AddCommand(recoveryListCmd)
	recoveryCmd.AddCommand(recoveryShowCmd)
	recoveryCmd.AddCommand(recoveryApproveCmd)
	recoveryCmd.AddCommand(recoveryCancelCmd)
	recoveryCmd.AddCommand(recoveryProcessCmd)

	recoveryListCmd.Flags().StringVar(&recoveryState, "state", "", "filter by state (submitted, identity_verification_pending, pending_approval, approved, completed, cancelled)")
	recoveryListCmd.Flags().BoolVar(&recoveryJSON, "json", false, "Output in JSON format")

	recoveryShowCmd.Flags().BoolVar(&recoveryJSON, "json", false, "Output in JSON format")

	recoveryApproveCmd.Flags().StringVar(&approveAsAdmin, "admin", "", "administrator identity (defaults to the current user)")

	recoveryCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason for cancellation")

	recoveryProcessCmd.Flags().BoolVar(&processDryRun, "dry-run", false, "report what would happen without transitioning anything")
}

func runRecoveryList(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	requests, err := engine.List(checktick.RecoveryState(recoveryState))
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list recovery requests: %w", err), started)
	}

	if recoveryJSON {
		data, err := json.MarshalIndent(requests, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(requests) == 0 {
		fmt.Println("No recovery requests found.")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tSTATE\tUSER\tSURVEY\tAPPROVALS\tCREATED")
	for _, r := range requests {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Code, r.State, r.UserID, r.SurveyID, len(r.Approvals),
			r.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runRecoveryShow(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	request, err := engine.Get(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if recoveryJSON {
		data, err := json.MarshalIndent(request, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		fmt.Println(string(data))
		return auditCmdComplete(cmd, nil, started)
	}

	fmt.Printf("Request:      %s (%s)\n", request.Code, request.ID)
	fmt.Printf("State:        %s\n", request.State)
	fmt.Printf("User:         %s <%s>\n", request.UserID, request.UserEmail)
	fmt.Printf("Survey:       %s\n", request.SurveyID)
	fmt.Printf("Reason:       %s\n", request.Reason)
	fmt.Printf("Created:      %s\n", request.CreatedAt.Format(time.RFC3339))
	if request.VerifiedAt != nil {
		fmt.Printf("Verified:     %s\n", request.VerifiedAt.Format(time.RFC3339))
	}
	for i, a := range request.Approvals {
		fmt.Printf("Approval %d:   %s at %s\n", i+1, a.AdminID, a.ApprovedAt.Format(time.RFC3339))
	}
	if request.AccessAvailableAt != nil {
		fmt.Printf("Available at: %s\n", request.AccessAvailableAt.Format(time.RFC3339))
	}
	if request.CompletedAt != nil {
		fmt.Printf("Completed:    %s\n", request.CompletedAt.Format(time.RFC3339))
	}
	if request.State == checktick.StateCancelled {
		fmt.Printf("Cancelled:    by %s (%s)\n", request.CancelledBy, request.CancelReason)
	}

	return auditCmdComplete(cmd, nil, started)
}

func runRecoveryApprove(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	admin := approveAsAdmin
	if admin == "" {
		admin = cliContext.UserID
	}

	request, err := engine.Approve(args[0], admin)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Approval recorded for %s as %s (%d of 2).\n", request.Code, admin, len(request.Approvals))
	if request.State == checktick.StateApproved && request.AccessAvailableAt != nil {
		fmt.Printf("Mandatory delay started; key release possible after %s.\n",
			request.AccessAvailableAt.Format(time.RFC3339))
	}

	return auditCmdComplete(cmd, nil, started)
}

func runRecoveryCancel(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	request, err := engine.Cancel(args[0], cliContext.UserID, cancelReason)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Request %s cancelled.\n", request.Code)
	return auditCmdComplete(cmd, nil, started)
}

func runRecoveryProcess(cmd *cobra.Command, args []string) error {
	started := auditCmdStart(cmd, args)

	var custodianComponent []byte
	if !processDryRun {
		if len(args) < 2 {
			err := fmt.Errorf("at least a threshold of custodian share files is required (or use --dry-run)")
			return auditCmdComplete(cmd, err, started)
		}
		var err error
		custodianComponent, err = combineShareFiles(args)
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		defer memguard.WipeBytes(custodianComponent)
	}

	result, err := engine.ProcessTimeDelays(custodianComponent, processDryRun)

	fmt.Printf("Scanned:   %d\n", result.Scanned)
	fmt.Printf("Ready:     %d\n", result.Ready)
	fmt.Printf("Completed: %d\n", result.Completed)
	fmt.Printf("Expired:   %d\n", result.Expired)
	fmt.Printf("Failed:    %d\n", result.Failed)

	if result.Failed > 0 {
		fmt.Fprintln(os.Stderr, "One or more key retrievals failed critically; see the audit log and escalate.")
	}

	return auditCmdComplete(cmd, err, started)
}
