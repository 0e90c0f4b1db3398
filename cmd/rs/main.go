package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/runstream/internal/client"
	"github.com/alfredjeanlab/runstream/internal/ui"
)

var (
	serverURL  string
	authToken  string
	clientID   string
	jsonOutput bool
	noColor    bool

	rc *client.HTTPClient
)

// defaultServerURL resolves the server from RUNSTREAM_URL, then the active
// remote, then localhost.
func defaultServerURL() string {
	if s := os.Getenv("RUNSTREAM_URL"); s != "" {
		return s
	}
	if s := activeRemoteURL(); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if t := os.Getenv("RUNSTREAM_TOKEN"); t != "" {
		return t
	}
	return activeRemoteToken()
}

func defaultClientID() string {
	if id := os.Getenv("RUNSTREAM_CLIENT_ID"); id != "" {
		return id
	}
	return activeRemoteClientID()
}

var rootCmd = &cobra.Command{
	Use:          "rs",
	Short:        "Run execution and live streaming service",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor || !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
		rc = client.NewHTTPClient(serverURL, authToken)
		if clientID != "" {
			rc = rc.WithClientID(clientID)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if rc != nil {
			rc.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", defaultServerURL(), "runstream server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token for authentication")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", defaultClientID(), "client id sent as X-Client-ID")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddGroup(
		&cobra.Group{ID: "runs", Title: "Runs:"},
		&cobra.Group{ID: "streams", Title: "Streams:"},
		&cobra.Group{ID: "admin", Title: "Admin:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Runs
	rootCmd.AddCommand(runCmd)

	// Streams
	rootCmd.AddCommand(seqCmd)

	// Admin
	rootCmd.AddCommand(ratelimitCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
