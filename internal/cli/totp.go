package cli

import (
	"fmt"
	"os"

	"github.com/agentsh/agentgate/internal/approvals"
	"github.com/spf13/cobra"
)

func newTOTPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "totp",
		Short: "Manage TOTP step-up for approvers",
	}
	cmd.AddCommand(newTOTPSetupCmd())
	return cmd
}

func newTOTPSetupCmd() *cobra.Command {
	var (
		approverID  string
		secretsFile string
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Enroll an approver for TOTP step-up",
		Long: `Generate a TOTP secret for an approver and print a QR code for their
authenticator app.

With --secrets-file the secret is appended to that file; point
approvals.totp.secrets_file at it and restart the server.

Example:
  agentgate totp setup --id alice --secrets-file /etc/agentgate/totp.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if approverID == "" {
				return fmt.Errorf("--id is required")
			}
			secret, err := approvals.GenerateTOTPSecret()
			if err != nil {
				return err
			}
			if secretsFile != "" {
				if err := appendSecret(secretsFile, approverID, secret); err != nil {
					return err
				}
			}
			return approvals.WriteTOTPSetup(cmd.OutOrStdout(), approverID, secret)
		},
	}
	cmd.Flags().StringVar(&approverID, "id", "", "Approver id as it appears in the keys file or OIDC caller_id")
	cmd.Flags().StringVar(&secretsFile, "secrets-file", "", "Append the new secret to this YAML file")
	return cmd
}

func appendSecret(path, id, secret string) error {
	if existing, err := approvals.LoadTOTPVerifier(path); err == nil && existing.Enrolled(id) {
		return fmt.Errorf("%s is already enrolled in %s", id, path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open secrets file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%q: %s\n", id, secret); err != nil {
		f.Close()
		return fmt.Errorf("write secrets file: %w", err)
	}
	return f.Close()
}
