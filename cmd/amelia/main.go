// amelia is the agentic coding orchestrator CLI: it runs the server and
// talks to it over REST.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/pkg/config"
)

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "amelia",
	Short: "Agentic coding workflow orchestrator",
	Long:  `Amelia plans, implements, and reviews coding tasks through driver-backed agents. Run "amelia server" to start the orchestrator, then drive it with the other commands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "", "server address (default AMELIA_HOST:AMELIA_PORT)")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

// resolveAddr picks the --server flag or the environment defaults.
func resolveAddr() string {
	if serverAddr != "" {
		return serverAddr
	}
	host := os.Getenv("AMELIA_HOST")
	if host == "" {
		host = config.DefaultHost
	}
	port := os.Getenv("AMELIA_PORT")
	if port == "" {
		port = strconv.Itoa(config.DefaultPort)
	}
	return host + ":" + port
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
