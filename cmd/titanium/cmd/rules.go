package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KirovAir/Titanium-Web-Proxy/internal/adapter/outbound/cel"
	"github.com/KirovAir/Titanium-Web-Proxy/internal/domain/intercept"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Validate or scaffold an interception rules file",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a rules file",
	Long: `Parse a rules file and compile every condition.

Without an argument the file comes from intercept.rules_file in the
config. Exits non-zero when the file does not parse or any rule fails
to compile, with the offending rule named in the error.

Examples:
  titanium rules check
  titanium rules check rules.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesCheck,
}

var rulesInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write a starter rules file",
	Long: `Write a commented starter rules file (default: rules.yaml).

Refuses to overwrite an existing file. Point intercept.rules_file at
the result and adjust the conditions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesInit,
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCmd.AddCommand(rulesInitCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		path = loadConfigLenient().Intercept.RulesFile
	}
	if path == "" {
		return fmt.Errorf("no rules file: pass a path or set intercept.rules_file")
	}

	rules, err := intercept.LoadRulesFile(path)
	if err != nil {
		return err
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create condition evaluator: %w", err)
	}
	engine, err := intercept.NewRuleEngine(rules, evaluator)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d rule(s) OK\n", path, len(rules))
	for _, r := range engine.Rules() {
		fmt.Fprintf(out, "  %-8s  %-24s  %s\n", r.Phase, r.Name, describeRule(r))
	}
	return nil
}

// describeRule renders a rule's effect for the check listing.
func describeRule(r intercept.Rule) string {
	var effect string
	switch r.Action {
	case intercept.ActionBlock:
		effect = "block"
	case intercept.ActionRedirect:
		effect = "redirect -> " + r.Value
	case intercept.ActionMark:
		effect = fmt.Sprintf("mark %q", r.Value)
	case intercept.ActionAllow:
		effect = "allow"
	default:
		effect = string(r.Action)
	}
	if r.When == "" {
		return effect + " (always)"
	}
	return effect + " when " + r.When
}

func runRulesInit(cmd *cobra.Command, args []string) error {
	path := "rules.yaml"
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}

	data, err := intercept.DumpRules(starterRules())
	if err != nil {
		return fmt.Errorf("render starter rules: %w", err)
	}

	header := []byte(`# Titanium interception rules.
#
# Rules run in order. Request-phase rules run before forwarding;
# response-phase rules run after the origin answers. "when" is a CEL
# expression over the exchange: method, url, host, path, scheme,
# status, header(name), has_tag(tag).
#
# Validate with: titanium rules check
`)

	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d starter rules)\n", path, len(starterRules()))
	return nil
}

// starterRules is the scaffold content for rules init: one of each
// action with conditions worth imitating.
func starterRules() []intercept.Rule {
	return []intercept.Rule{
		{
			Name:   "block-telemetry",
			When:   `host.endsWith("tracking.example.com")`,
			Action: intercept.ActionBlock,
			Value:  "telemetry blocked by proxy policy",
		},
		{
			Name:   "mark-api-traffic",
			When:   `path.startsWith("/api/")`,
			Action: intercept.ActionMark,
			Value:  "api",
		},
		{
			Name:   "redirect-legacy-docs",
			When:   `host == "docs.example.com" && path.startsWith("/v1/")`,
			Action: intercept.ActionRedirect,
			Value:  "https://docs.example.com/v2/",
		},
		{
			Name:   "mark-server-errors",
			Phase:  intercept.PhaseResponse,
			When:   "status >= 500",
			Action: intercept.ActionMark,
			Value:  "server-error",
		},
	}
}
