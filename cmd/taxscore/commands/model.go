package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// ModelCmd groups scoring model commands
var ModelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect scoring models",
	Long: `model - Scoring expressions

Models are JSON files in scoring.models_dir:

  {"name": "nt_rpm", "expression": {"op": "attr", "on": "species.NT.rpm"}}

Operators: attr (attribute lookup), + (sum), * (product), abs.
The built-in agg_score model is always available unless a file overrides it.

Examples:
  taxscore model list
  taxscore model show agg_score`,
}

var modelListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available models",
	RunE:  runModelList,
}

var modelShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a model's expression and z-score config",
	Args:  cobra.ExactArgs(1),
	RunE:  runModelShow,
}

func init() {
	ModelCmd.AddCommand(modelListCmd)
	ModelCmd.AddCommand(modelShowCmd)
}

func runModelList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	defaultModel := a.cfg.GetDefaultModel()
	for _, name := range a.models.Names() {
		m, err := a.models.Get(name)
		if err != nil {
			return err
		}
		marker := " "
		if name == defaultModel {
			marker = pterm.Green("*")
		}
		pterm.Printf("%s %-20s %s\n", marker, name, pterm.Gray(m.Description))
	}
	return nil
}

func runModelShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.models.Get(args[0])
	if err != nil {
		return err
	}
	if err := printJSON(m); err != nil {
		return err
	}
	pterm.Info.Printf("Attributes: %s\n", strings.Join(m.Paths(), ", "))
	return nil
}
