package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ostheimer/coreclaw/internal/config"
	"github.com/ostheimer/coreclaw/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task and draft totals",
	RunE:  runStatus,
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Paths.DBPath)
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	totals, err := db.CountTasksByStatus()
	if err != nil {
		return err
	}
	fmt.Println(color.CyanString("Tasks"))
	for _, status := range []string{
		store.TaskStatusPending, store.TaskStatusQueued, store.TaskStatusRunning,
		store.TaskStatusCompleted, store.TaskStatusFailed, store.TaskStatusCancelled,
	} {
		if n := totals[status]; n > 0 {
			fmt.Printf("  %-10s %d\n", status, n)
		}
	}

	drafts, err := db.PendingReviewDrafts(50)
	if err != nil {
		return err
	}
	fmt.Println(color.CyanString("Drafts awaiting review"))
	if len(drafts) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, d := range drafts {
		score := "-"
		if d.QualityScore != nil {
			score = fmt.Sprintf("%d", *d.QualityScore)
		}
		fmt.Printf("  %s  [%s] score %s  %s\n", d.ID, d.Priority, score, d.Subject)
	}
	return nil
}
