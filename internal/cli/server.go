package cli

import (
	"context"
	"log/slog"

	"github.com/agentsh/agentgate/internal/server"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the agentgate server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			cfg, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			logger, closer, err := server.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}
			defer closer.Close()
			slog.SetDefault(logger)

			s, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			return s.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to server config YAML (default: $AGENTGATE_CONFIG, ./config.yml, ./config.yaml, or /etc/agentgate/config.yaml)")
	return cmd
}
