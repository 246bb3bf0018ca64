package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ostheimer/coreclaw/internal/store"
)

var taskListStatus string
var taskListLimit int

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by status",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

func init() {
	taskListCmd.Flags().StringVar(&taskListStatus, "status", store.TaskStatusPending, "Task status to list")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 20, "Maximum rows")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := db.TasksByStatus(taskListStatus, taskListLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%s  [%s] %-20s retries %d/%d  %s\n",
			t.ID, t.Priority, t.Type, t.RetryCount, t.MaxRetries, t.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	task, err := db.TaskByID(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}
