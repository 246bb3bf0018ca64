package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ostheimer/coreclaw/internal/skills"
)

var skillProjectRoot string

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage extension packs",
}

var skillApplyCmd = &cobra.Command{
	Use:   "apply <dir>",
	Short: "Apply a skill directory to the project",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillApply,
}

var skillRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Uninstall an applied skill",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillRemove,
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applied skills",
	RunE:  runSkillList,
}

func init() {
	skillCmd.PersistentFlags().StringVar(&skillProjectRoot, "project", ".", "Project root directory")
	skillCmd.AddCommand(skillApplyCmd)
	skillCmd.AddCommand(skillRemoveCmd)
	skillCmd.AddCommand(skillListCmd)
}

func skillEngine() *skills.Engine {
	root := skillProjectRoot
	if root == "" {
		root, _ = os.Getwd()
	}
	return skills.NewEngine(skills.Config{ProjectRoot: root})
}

func runSkillApply(cmd *cobra.Command, args []string) error {
	res, err := skillEngine().Apply(args[0])
	if err != nil {
		return err
	}
	if res.Success {
		fmt.Println(color.GreenString("applied %s %s", res.Skill, res.Version))
		return nil
	}
	fmt.Println(color.YellowString("applied %s %s with merge conflicts:", res.Skill, res.Version))
	for _, path := range res.Conflicts {
		fmt.Printf("  %s\n", path)
	}
	return nil
}

func runSkillRemove(cmd *cobra.Command, args []string) error {
	res, err := skillEngine().Uninstall(args[0])
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("removed %s", res.Skill))
	return nil
}

func runSkillList(cmd *cobra.Command, args []string) error {
	applied, err := skillEngine().List()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("no skills applied")
		return nil
	}
	for _, s := range applied {
		fmt.Printf("%-20s %-10s applied %s  (%d files)\n",
			s.Name, s.Version, s.AppliedAt.Format("2006-01-02 15:04"), len(s.Files))
	}
	return nil
}
