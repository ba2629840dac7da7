package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nbworkflows/labflow/internal/labfile"
	"github.com/nbworkflows/labflow/internal/logging"
)

var (
	flagServer    string
	flagLabfile   string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

// defaultServer returns the default server URL, checking LF_SERVER first.
func defaultServer() string {
	if s := os.Getenv("LF_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8000"
}

// NewRootCmd creates the root cobra command for the labflow CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "labflow",
		Short: "labflow — notebook workflows on your cluster",
		Long:  "labflow registers, runs and monitors parameterized notebook workflows.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
			client.Token = LoadToken()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "LabFlow server URL (or LF_SERVER env)")
	root.PersistentFlags().StringVarP(&flagLabfile, "file", "f", labfile.DefaultName, "Path to the labfile")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newLoginCmd(),
		newInitCmd(),
		newWFCmd(),
		newBuildCmd(),
		newLogsCmd(),
		newHistoryCmd(),
	)

	return root
}
