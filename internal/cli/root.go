package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentsh/agentgate/internal/client"
	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "agentgate",
		Short:         "agentgate: consent and authorization gate for AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("agentgate {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server", getenvDefault("AGENTGATE_SERVER", "http://127.0.0.1:8090"), "agentgate server base URL")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key", getenvDefault("AGENTGATE_API_KEY", ""), "API key")
	cmd.PersistentFlags().StringVar(&cfg.apiKeyHeader, "api-key-header", getenvDefault("AGENTGATE_API_KEY_HEADER", "X-API-Key"), "Header carrying the API key")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newDecideCmd())
	cmd.AddCommand(newEmergencyCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newPolicyCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newTOTPCmd())

	return cmd
}

type clientConfig struct {
	serverAddr   string
	apiKey       string
	apiKeyHeader string
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	serverAddr, _ := cmd.Root().PersistentFlags().GetString("server")
	apiKey, _ := cmd.Root().PersistentFlags().GetString("api-key")
	header, _ := cmd.Root().PersistentFlags().GetString("api-key-header")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:8090"
	}
	return &clientConfig{serverAddr: serverAddr, apiKey: apiKey, apiKeyHeader: header}
}

func newClient(cmd *cobra.Command) *client.Client {
	cfg := getClientConfig(cmd)
	return client.New(cfg.serverAddr, cfg.apiKey, client.WithHeader(cfg.apiKeyHeader))
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
