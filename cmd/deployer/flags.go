package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	noColor    bool
)

// Flags left unset fall through to the config file, environment and defaults,
// so none of them carries a default of its own.
func addPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "f", "", "Path to config file (default ./deployer.yaml if present)")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.String("name", "", "Container name (default task-service)")
	flags.String("engine", "", "Container engine backend: cli or api (default cli)")
	flags.StringP("log-level", "l", "", "Log level: debug, info, warning, error, silent (default info)")
	flags.String("log-format", "", "Log format: text or json (default text)")
}

func addDeployFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("source-dir", "", "Directory holding the application files (default .)")
	flags.StringP("tag", "t", "", "Image tag (default task-service:latest)")
	flags.Int("host-port", 0, "Host port to publish (default 8000)")
	flags.Int("container-port", 0, "Port the application listens on inside the container (default 8000)")
	flags.String("health-url", "", "Health endpoint (default http://localhost:<host-port>/)")
	flags.Int("max-attempts", 0, "Health check attempts before giving up (default 15)")
	flags.Duration("interval", 0, "Wait between health check attempts (default 1s)")
}
