package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/untoldecay/dts/internal/types"
	"github.com/untoldecay/dts/internal/ui"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch of tasks from a file",
	Long: `Submit a batch of tasks to a running scheduler.

The file format is chosen by extension: .yaml/.yml, .json, or .toml.
Every format carries a top-level "tasks" list; each task has an id, a
type, a duration_ms, and optional dependencies. The batch is atomic:
either every task is created or none are.

Example tasks.yaml:
  tasks:
    - id: build
      type: shell
      duration_ms: 1500
    - id: deploy
      type: shell
      duration_ms: 800
      dependencies: [build]

Examples:
  dts submit -f tasks.yaml
  dts submit -f tasks.toml --server http://10.0.0.5:8000
  dts submit -f tasks.json --json`,
	Run: func(cmd *cobra.Command, _ []string) {
		file, _ := cmd.Flags().GetString("file")
		if file == "" {
			fatalError("--file is required")
		}
		if err := runSubmit(file); err != nil {
			fatalError("%v", err)
		}
	},
}

func init() {
	submitCmd.Flags().StringP("file", "f", "", "Task list file (.yaml, .yml, .json, or .toml)")
	submitCmd.Flags().StringVar(&serverURL, "server", "", "Scheduler base URL (default from config)")
	rootCmd.AddCommand(submitCmd)
}

// taskFile is the on-disk batch shape, mirroring the /tasks/batch body.
type taskFile struct {
	Tasks []taskSpec `yaml:"tasks" toml:"tasks" json:"tasks"`
}

type taskSpec struct {
	ID           string   `yaml:"id" toml:"id" json:"id"`
	Type         string   `yaml:"type" toml:"type" json:"type"`
	DurationMS   int64    `yaml:"duration_ms" toml:"duration_ms" json:"duration_ms"`
	Dependencies []string `yaml:"dependencies" toml:"dependencies" json:"dependencies"`
}

func parseTaskFile(path string) ([]types.TaskCreate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file taskFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported file extension %q (expected .yaml, .yml, .json, or .toml)", ext)
	}

	tasks := make([]types.TaskCreate, 0, len(file.Tasks))
	for _, t := range file.Tasks {
		tasks = append(tasks, types.TaskCreate{
			ID:           t.ID,
			Type:         t.Type,
			DurationMS:   t.DurationMS,
			Dependencies: t.Dependencies,
		})
	}
	return tasks, nil
}

func runSubmit(file string) error {
	tasks, err := parseTaskFile(file)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("%s contains no tasks", file)
	}

	c, err := apiClient()
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := c.WaitHealthy(ctx); err != nil {
		return err
	}

	resp, err := c.SubmitBatch(ctx, tasks)
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(resp)
		return nil
	}

	label := "tasks"
	if resp.Count == 1 {
		label = "task"
	}
	fmt.Println(ui.SuccessStyle.Render(fmt.Sprintf("Submitted %d %s", resp.Count, label)))
	for _, id := range resp.Created {
		fmt.Printf("  • %s\n", id)
	}
	return nil
}
