package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskrun/taskrun/internal/identity"
)

func newCACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage the worker identity CA",
	}
	cmd.AddCommand(newCAInitCmd())
	return cmd
}

func newCAInitCmd() *cobra.Command {
	var (
		commonName string
		days       int
		certPath   string
		keyPath    string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a self-signed CA for worker certificates",
		Long: `Generate a self-signed CA keypair and write it to disk.

The control plane loads this material via identity.caCertFile and
identity.caKeyFile to verify worker client certificates and to sign
enrollment CSRs. Keep the key file private; anyone holding it can
mint worker identities.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				for _, p := range []string{certPath, keyPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}

			certPEM, keyPEM, err := identity.GenerateCA(commonName, time.Duration(days)*24*time.Hour)
			if err != nil {
				return fmt.Errorf("generate CA: %w", err)
			}

			if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
				return fmt.Errorf("write CA certificate: %w", err)
			}
			if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
				return fmt.Errorf("write CA key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CA certificate written to %s\n", certPath)
			fmt.Fprintf(out, "CA key written to %s\n", keyPath)
			fmt.Fprintf(out, "Valid for %d days\n", days)
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "taskrun worker ca", "CA certificate common name")
	cmd.Flags().IntVar(&days, "days", 3650, "CA validity in days")
	cmd.Flags().StringVar(&certPath, "cert", "ca.crt", "output path for the CA certificate (PEM)")
	cmd.Flags().StringVar(&keyPath, "key", "ca.key", "output path for the CA private key (PEM)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")

	return cmd
}
