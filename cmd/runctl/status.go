package main

import (
	"fmt"

	"github.com/spf13/cobra"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show control-plane status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp v1.StatusResponse
			if err := newAPIClient(serverURL).get("/api/v1/status", &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			fmt.Fprintf(out, "Uptime:            %s\n", resp.Uptime)
			fmt.Fprintf(out, "Connected workers: %d\n", resp.ConnectedWorkers)
			fmt.Fprintln(out, "Tasks:")
			for _, status := range []v1.TaskStatus{
				v1.TaskStatusPending, v1.TaskStatusRunning,
				v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled,
			} {
				fmt.Fprintf(out, "  %-10s %d\n", status, resp.TasksByStatus[status])
			}
			return nil
		},
	}
}
