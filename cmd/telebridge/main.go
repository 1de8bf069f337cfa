// telebridge runs long-lived CLI coding agents from Telegram.
// Send a prompt, watch the live progress message, get the answer with a
// resume line to continue the session later.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telebridge/telebridge/internal/config"
)

var (
	version    = "dev"
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "telebridge",
	Short: "Drive CLI coding agents from Telegram",
	Long: `telebridge bridges Telegram and long-running CLI coding agents
(codex, claude, opencode, pi). Send a prompt, watch the live progress
message, get the final answer with a resume line.

  telebridge serve            Start the bridge
  telebridge runs             List recent runs (needs debug_addr)
  telebridge active           List currently running turns`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		envOr("TELEBRIDGE_CONFIG", config.DefaultPath()), "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("TELEBRIDGE_SERVER", "http://127.0.0.1:7080"), "debug API base URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
