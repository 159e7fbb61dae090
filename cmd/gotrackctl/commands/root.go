package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// passwordEnvVar supplies the command socket password when the
// --password flag is not set, keeping the secret out of process lists.
const passwordEnvVar = "GOTRACK_PASSWORD"

var (
	// serverAddr is the daemon command socket (host:port).
	serverAddr string

	// password answers the daemon's Password: prompt when command
	// authentication is enabled.
	password string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// responseTimeout bounds the TCP connect and each response wait.
	responseTimeout time.Duration
)

// rootCmd is the top-level cobra command for gotrackctl.
var rootCmd = &cobra.Command{
	Use:   "gotrackctl",
	Short: "CLI client for the gotrack daemon",
	Long: "gotrackctl connects to the gotrack daemon's command socket to dispatch " +
		"device commands and inspect connected trackers.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if password == "" {
			password = os.Getenv(passwordEnvVar)
		}
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7700",
		"gotrack daemon command socket (host:port)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "",
		"command socket password (default $"+passwordEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().DurationVar(&responseTimeout, "timeout", 30*time.Second,
		"connect and response timeout; raise for record downloads (do dlrec)")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(clientsCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
