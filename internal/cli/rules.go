package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zoobzio/pulsez"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and check alert rule files",
}

var rulesPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the built-in rules as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := pulsez.MarshalRules(pulsez.DefaultRules())
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Check a rule file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules ok\n", args[0], len(rules))
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesPrintCmd, rulesValidateCmd)
	rootCmd.AddCommand(rulesCmd)
}
