// Package main is the entry point for runctl, the TaskRun operator CLI.
// It manages CA material, mints bootstrap tokens, and drives the task and
// worker admin API of a running control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	serverURL string
	output    string
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "runctl",
		Short:         "Operator CLI for the TaskRun control plane",
		Long:          "runctl manages CA material, bootstrap tokens, tasks, and workers\non a running TaskRun control plane.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer(),
		"base URL of the control-plane admin API (env: RUNCTL_SERVER)")
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "table",
		"output format: table, json, or yaml")

	cmd.AddCommand(newCACmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func defaultServer() string {
	if url := os.Getenv("RUNCTL_SERVER"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
