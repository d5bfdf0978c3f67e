package main

import (
	"fmt"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Inspect connected workers",
	}
	cmd.AddCommand(newWorkerListCmd())
	cmd.AddCommand(newWorkerGetCmd())
	return cmd
}

func newWorkerListCmd() *cobra.Command {
	var (
		agent  string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List connected workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if agent != "" {
				query.Set("agent", agent)
			}
			if status != "" {
				query.Set("status", strings.ToUpper(status))
			}
			path := "/api/v1/workers"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var resp v1.ListWorkersResponse
			if err := newAPIClient(serverURL).get(path, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			if len(resp.Workers) == 0 {
				fmt.Fprintln(out, "No workers connected.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tSTATUS\tRUNS\tAGENTS\tLAST HEARTBEAT")
			for _, wk := range resp.Workers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					wk.ID, wk.Hostname, wk.Status,
					wk.ActiveRuns, wk.MaxConcurrentRuns,
					agentNames(wk.Agents),
					wk.LastHeartbeat.Local().Format(time.TimeOnly))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&agent, "agent", "", "filter by advertised agent name")
	cmd.Flags().StringVar(&status, "status", "", "filter by worker status (idle, busy, draining, error)")

	return cmd
}

func newWorkerGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <worker-id>",
		Short: "Show one connected worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var worker v1.Worker
			if err := newAPIClient(serverURL).get("/api/v1/workers/"+args[0], &worker); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, worker)
			}
			fmt.Fprintf(out, "ID:              %s\n", worker.ID)
			fmt.Fprintf(out, "Host:            %s (version %s)\n", worker.Hostname, worker.Version)
			fmt.Fprintf(out, "Status:          %s\n", worker.Status)
			fmt.Fprintf(out, "Runs:            %d/%d\n", worker.ActiveRuns, worker.MaxConcurrentRuns)
			fmt.Fprintf(out, "Last heartbeat:  %s\n", worker.LastHeartbeat.Local().Format(time.DateTime))
			if len(worker.Labels) > 0 {
				fmt.Fprintf(out, "Labels:          %s\n", formatMetadata(worker.Labels))
			}
			if len(worker.Agents) > 0 {
				fmt.Fprintln(out, "Agents:")
				for _, spec := range worker.Agents {
					fmt.Fprintf(out, "  %s", spec.Name)
					if spec.Description != "" {
						fmt.Fprintf(out, " - %s", spec.Description)
					}
					fmt.Fprintln(out)
					for _, backend := range spec.Backends {
						fmt.Fprintf(out, "    %s/%s (context %d)\n",
							backend.Provider, backend.ModelName, backend.ContextWindow)
					}
				}
			}
			return nil
		},
	}
}

// agentNames joins the advertised agent names for the list table.
func agentNames(specs []v1.AgentSpec) string {
	if len(specs) == 0 {
		return "-"
	}
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return strings.Join(names, ",")
}
