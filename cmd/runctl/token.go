package main

import (
	"fmt"

	"github.com/spf13/cobra"

	v1 "github.com/taskrun/taskrun/pkg/api/v1"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage worker bootstrap tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var ttl string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a one-shot bootstrap token for worker enrollment",
		Long: `Mint a one-shot bootstrap token.

The plaintext printed here is the only copy that will ever exist: the
control plane stores a hash. Hand it to exactly one worker; redeeming
it burns it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req *v1.IssueTokenRequest
			if ttl != "" {
				req = &v1.IssueTokenRequest{TTL: ttl}
			}

			var resp v1.IssueTokenResponse
			if err := newAPIClient(serverURL).post("/api/v1/enroll/tokens", req, &resp); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if structured() {
				return render(out, resp)
			}
			fmt.Fprintln(out, resp.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "Expires at %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
			return nil
		},
	}

	cmd.Flags().StringVar(&ttl, "ttl", "", `token lifetime as a Go duration, e.g. "30m" (default: server policy)`)

	return cmd
}
