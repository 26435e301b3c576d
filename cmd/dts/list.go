package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dts/internal/types"
	"github.com/untoldecay/dts/internal/ui"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks on a running scheduler",
	Long: `List tasks ordered by submission time.

Renders a status-colored table on terminals; use --json for
machine-readable output.

Examples:
  dts list
  dts list --limit 20 --offset 40
  dts list --json | jq '.tasks[].id'`,
	Run: func(cmd *cobra.Command, _ []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		if err := runList(limit, offset); err != nil {
			fatalError("%v", err)
		}
	},
}

func init() {
	listCmd.Flags().Int("limit", 200, "Maximum number of tasks to return (1-1000)")
	listCmd.Flags().Int("offset", 0, "Number of tasks to skip")
	listCmd.Flags().StringVar(&serverURL, "server", "", "Scheduler base URL (default from config)")
	rootCmd.AddCommand(listCmd)
}

func runList(limit, offset int) error {
	c, err := apiClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.WaitHealthy(ctx); err != nil {
		return err
	}

	list, err := c.ListTasks(ctx, limit, offset)
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(list)
		return nil
	}

	fmt.Println(ui.RenderTaskTable(list.Tasks, ui.GetWidth()))

	counts := make(map[types.TaskStatus]int, len(list.Tasks))
	for _, t := range list.Tasks {
		counts[t.Status]++
	}
	fmt.Println(ui.RenderStatusLine(len(list.Tasks), counts))
	if list.Total > len(list.Tasks) {
		fmt.Println(ui.TableHintStyle.Render(fmt.Sprintf("showing %d of %d tasks", len(list.Tasks), list.Total)))
	}
	return nil
}
