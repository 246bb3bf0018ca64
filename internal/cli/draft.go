package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ostheimer/coreclaw/internal/approval"
	"github.com/ostheimer/coreclaw/internal/bus"
	"github.com/ostheimer/coreclaw/internal/store"
)

var draftReviewer string
var draftRejectReason string

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Review pending drafts",
}

var draftListCmd = &cobra.Command{
	Use:   "list",
	Short: "List drafts awaiting review",
	RunE:  runDraftList,
}

var draftApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftApprove,
}

var draftRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending draft",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftReject,
}

func init() {
	draftApproveCmd.Flags().StringVar(&draftReviewer, "by", "cli", "Reviewer name")
	draftRejectCmd.Flags().StringVar(&draftReviewer, "by", "cli", "Reviewer name")
	draftRejectCmd.Flags().StringVar(&draftRejectReason, "reason", "", "Rejection reason (required)")
	draftCmd.AddCommand(draftListCmd)
	draftCmd.AddCommand(draftApproveCmd)
	draftCmd.AddCommand(draftRejectCmd)
}

func openApproval() (*approval.Engine, *store.Store, error) {
	db, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	return approval.NewEngine(db, bus.New()), db, nil
}

func runDraftList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	drafts, err := db.PendingReviewDrafts(50)
	if err != nil {
		return err
	}
	if len(drafts) == 0 {
		fmt.Println("no drafts awaiting review")
		return nil
	}
	for _, d := range drafts {
		fmt.Printf("%s  [%s]  %s\n", d.ID, d.Priority, d.Subject)
		fmt.Printf("    to: %v\n", d.To)
	}
	return nil
}

func runDraftApprove(cmd *cobra.Command, args []string) error {
	engine, db, err := openApproval()
	if err != nil {
		return err
	}
	defer db.Close()

	draft, err := engine.Approve(args[0], draftReviewer)
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("approved %s", draft.ID))
	return nil
}

func runDraftReject(cmd *cobra.Command, args []string) error {
	engine, db, err := openApproval()
	if err != nil {
		return err
	}
	defer db.Close()

	draft, err := engine.Reject(args[0], draftReviewer, draftRejectReason)
	if err != nil {
		return err
	}
	fmt.Println(color.YellowString("rejected %s", draft.ID))
	return nil
}
