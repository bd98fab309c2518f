package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/internal/tracing"
)

var version = "dev"

// configFlags are shared by every command that reads the config file
type configFlags struct {
	file      string
	expandEnv bool
}

func (f *configFlags) load() (*config.Config, error) {
	cfg, err := config.LoadFile(f.file, f.expandEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &configFlags{}

	root := &cobra.Command{
		Use:           "logshipper",
		Short:         "Tail log files and push them to Loki",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.file, "config.file", "config.yaml", "configuration file to load")
	root.PersistentFlags().BoolVar(&flags.expandEnv, "config.expand-env", true, "expand ${VAR} references in the configuration file")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newCheckConfigCmd(flags))
	root.AddCommand(newPositionsCmd(flags))
	root.AddCommand(newDLQCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "logshipper %s\n", version)
		},
	}
}

func init() {
	tracing.Version = version
}
