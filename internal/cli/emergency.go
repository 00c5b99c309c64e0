package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEmergencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Kill switch: deny everything waiting and refuse new requests",
	}

	var reason string
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Activate the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient(cmd).EmergencyStop(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Message)
			return nil
		},
	}
	stop.Flags().StringVar(&reason, "reason", "", "Reason recorded on every denied request")
	cmd.AddCommand(stop)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Re-arm the kill switch and accept requests again",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(cmd).EmergencyReset(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show kill switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(cmd).EmergencyStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	})
	return cmd
}
