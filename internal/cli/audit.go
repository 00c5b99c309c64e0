package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/agentsh/agentgate/internal/audit"
	"github.com/agentsh/agentgate/internal/audit/keysource"
	"github.com/agentsh/agentgate/internal/config"
	"github.com/agentsh/agentgate/internal/store/sqlite"
	"github.com/agentsh/agentgate/pkg/types"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log commands",
	}

	cmd.AddCommand(newAuditVerifyCmd())
	cmd.AddCommand(newAuditExportCmd())
	return cmd
}

func newAuditVerifyCmd() *cobra.Command {
	var (
		keyFile    string
		keyEnv     string
		configPath string
		algorithm  string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "verify [FILE]",
		Short: "Verify the integrity chain of an audit log",
		Long: `Verify the HMAC integrity chain of an audit log.

FILE may be an export document (GET /api/v1/audit/export) or a JSONL audit
file. With --db the persisted sqlite history is verified instead.

Examples:
  agentgate audit verify audit-export.json --key-file=/etc/agentgate/audit.key
  agentgate audit verify /var/log/agentgate/audit.jsonl --key-env=AGENTGATE_AUDIT_KEY
  agentgate audit verify --db /var/lib/agentgate/audit.db --key-env=AGENTGATE_AUDIT_KEY
  agentgate audit verify --db /var/lib/agentgate/audit.db --config /etc/agentgate/config.yaml

With --config the key is resolved from audit.integrity, including managed key
sources such as aws_kms or hashicorp_vault.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if dbPath != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			integrity := config.AuditIntegrityConfig{KeyFile: keyFile, KeyEnv: keyEnv, Algorithm: algorithm}
			switch {
			case keyFile != "" || keyEnv != "":
			case configPath != "":
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				integrity = cfg.Audit.Integrity
				if cmd.Flags().Changed("algorithm") {
					integrity.Algorithm = algorithm
				}
			default:
				return fmt.Errorf("one of --key-file, --key-env or --config is required")
			}
			key, err := keysource.Load(cmd.Context(), integrity)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}
			chain, err := audit.NewIntegrityChainWithAlgorithm(key, integrity.Algorithm)
			if err != nil {
				return err
			}

			var entries []types.AuditEntry
			if dbPath != "" {
				entries, err = readSQLiteEntries(cmd, dbPath)
			} else {
				entries, err = readEntriesFile(args[0])
			}
			if err != nil {
				return err
			}

			if err := chain.Verify(entries); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Chain BROKEN: %v\n", err)
				return exitWith(1, "integrity verification failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verified %d entries\nChain intact: OK\n", len(entries))
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key-file", "", "Path to HMAC key file")
	cmd.Flags().StringVar(&keyEnv, "key-env", "", "Environment variable containing HMAC key")
	cmd.Flags().StringVar(&configPath, "config", "", "Resolve the key from this server config's audit.integrity section")
	cmd.Flags().StringVar(&algorithm, "algorithm", "hmac-sha256", "HMAC algorithm (hmac-sha256 or hmac-sha512)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Verify the sqlite audit history at this path")
	return cmd
}

func readSQLiteEntries(cmd *cobra.Command, path string) ([]types.AuditEntry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return db.ChainedEntries(cmd.Context())
}

// readEntriesFile accepts an export document or one entry per line.
func readEntriesFile(path string) ([]types.AuditEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	trimmed := bytes.TrimSpace(b)
	if bytes.HasPrefix(trimmed, []byte("{")) {
		var probe struct {
			Entries json.RawMessage `json:"entries"`
		}
		first := trimmed
		if i := bytes.IndexByte(trimmed, '\n'); i >= 0 {
			first = trimmed[:i]
		}
		if json.Unmarshal(first, &probe) != nil || probe.Entries != nil {
			doc, err := audit.ReadExport(bytes.NewReader(trimmed))
			if err != nil {
				return nil, err
			}
			return doc.Entries, nil
		}
	}
	return readJSONL(bytes.NewReader(trimmed))
}

func readJSONL(r io.Reader) ([]types.AuditEntry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var out []types.AuditEntry
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e types.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read log file: %w", err)
	}
	return out, nil
}

func newAuditExportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download the server's in-memory audit log as an export document",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return newClient(cmd).ExportAudit(cmd.Context(), w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
