package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/burrow/pkg/log"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "burrow",
		Short: "Bundle lifecycle manager and worker",
		Long: `Burrow runs computational bundles against a fleet of workers: it stages
created bundles, assembles make bundles, schedules run bundles onto workers,
and drives every bundle to a terminal state.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("burrow %s\n", Version)
		},
	}
}
