// Command dts runs the durable task scheduler and its client CLI.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dts/internal/client"
	"github.com/untoldecay/dts/internal/config"
)

var (
	configFile string
	jsonOutput bool
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "dts",
	Short: "Durable task scheduler",
	Long: `dts is a durable, dependency-aware task scheduler.

Tasks are persisted in SQLite, released in dependency order, and executed
by a bounded worker pool. Leases and startup recovery make task execution
survive process crashes.

Examples:
  dts serve                        # Run the scheduler and REST API
  dts migrate                      # Apply schema migrations and exit
  dts submit -f tasks.yaml         # Submit a batch of tasks
  dts list --limit 20              # Show recent tasks
  dts version                      # Print version information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
}

func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, `{"error": "failed to marshal JSON: %v"}`, err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

func fatalError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// apiClient builds a client for --server, falling back to the host and
// port from the loaded config.
func apiClient() (*client.Client, error) {
	base := serverURL
	if base == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		base = "http://" + cfg.Addr()
	}
	return client.New(base, client.WithVersion(Version)), nil
}
