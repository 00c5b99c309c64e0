package cli

import (
	"fmt"

	"github.com/agentsh/agentgate/internal/policy"
	"github.com/agentsh/agentgate/internal/policy/pattern"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test policy files offline",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy file (parse + compile)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			for name, rules := range map[string][]string{
				"always_deny":     p.AlwaysDeny,
				"always_allow":    p.AlwaysAllow,
				"require_consent": p.RequireConsent,
			} {
				var expanded []string
				for _, r := range rules {
					expanded = append(expanded, pattern.ExpandRule(r)...)
				}
				_, errs := pattern.NewPatternSet(expanded)
				for _, err := range errs {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v (falls back to substring match)\n", name, err)
				}
			}
			deny, allow, ask := p.Rules()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s v%d (%d deny, %d allow, %d consent rules)\n", p.Name, p.Version, deny, allow, ask)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show FILE",
		Short: "Print a policy with defaults applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(p); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	var trust int
	test := &cobra.Command{
		Use:   "test FILE OPERATION [TARGET]",
		Short: "Evaluate one operation against a policy file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policy.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			target := ""
			if len(args) == 3 {
				target = args[2]
			}
			res := policy.NewMatcher(p, nil).Evaluate(args[1], target, trust)
			return printJSON(cmd, map[string]any{
				"subject":  policy.Subject(args[1], target),
				"decision": res.Decision,
				"rule":     res.Rule,
				"source":   res.Source,
			})
		},
	}
	test.Flags().IntVar(&trust, "trust", 50, "Session trust level to evaluate with")
	cmd.AddCommand(test)

	return cmd
}
