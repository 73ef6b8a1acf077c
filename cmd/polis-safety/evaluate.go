package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/engine"
)

// errViolation is returned when any evaluated result was not allowed, so the
// process exits non-zero.
var errViolation = errors.New("content rejected by policy")

func newEvaluateCmd(opts *globalOptions) *cobra.Command {
	var (
		policies []string
		text     string
	)
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate text against one or more policies",
		Long: `Evaluates the --text value (or standard input) and prints the result as
JSON. Several --policy flags run as a chain: replaced text feeds the next
policy and the first blocked or violation outcome stops the chain.

The command exits non-zero when the final outcome is blocked or violation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(policies) == 0 {
				return errors.New("at least one --policy is required")
			}
			if !cmd.Flags().Changed("text") {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				text = strings.TrimRight(string(data), "\n")
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, os.Stderr)

			eng, err := engine.New(cmd.Context(), cfg, engine.Options{Logger: logger})
			if err != nil {
				return err
			}

			var final domain.PolicyResult
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			if len(policies) == 1 {
				if final, err = eng.Evaluate(cmd.Context(), policies[0], text); err != nil {
					return err
				}
				if err := enc.Encode(final); err != nil {
					return err
				}
			} else {
				res, err := eng.EvaluateChain(cmd.Context(), text, policies...)
				if err != nil {
					return err
				}
				final = res.Final
				if err := enc.Encode(map[string]any{"final": res.Final, "steps": res.Steps}); err != nil {
					return err
				}
			}

			if !final.Allowed() {
				return fmt.Errorf("%w: %s", errViolation, final.Outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&policies, "policy", "p", nil, "Policy or preset name; repeat to chain")
	cmd.Flags().StringVarP(&text, "text", "t", "", "Text to evaluate; read from stdin when omitted")
	return cmd
}
