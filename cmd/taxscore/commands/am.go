package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage taxscore configuration",
	Long: `am - Manage taxscore configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (TAXSCORE_* prefix)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.taxscore/am.toml)
4. System config (/etc/taxscore/am.toml)
5. Default values

Examples:
  taxscore am show                      # Show current configuration
  taxscore am show --format json        # Show configuration in JSON format
  taxscore am get report.top_n          # Get specific config value
  taxscore am set report.top_n 20       # Write a value to the project am.toml
  taxscore am validate                  # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, report.top_n)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the project am.toml",
	Long: `Set a configuration value in the nearest project am.toml (created in the
current directory when none exists). The previous file is kept as am.toml.back1.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", am.FormatTOML, "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	data, err := am.Render(cfg, configFormat)
	if err != nil {
		return err
	}
	if configFormat != am.FormatJSON {
		fmt.Println("# taxscore configuration")
	}
	fmt.Print(string(data))
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	v := am.GetViper()
	if !v.IsSet(key) {
		return errors.NewNotFoundError("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	path := am.GetProjectConfigPath()
	if err := am.SetValue(path, args[0], args[1]); err != nil {
		return errors.Wrapf(err, "failed to set %s", args[0])
	}
	pterm.Success.Printf("%s = %s written to %s\n", args[0], args[1], path)
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}

	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	settings, err := am.Introspect()
	if err != nil {
		return err
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [default]      Built-in defaults")
	fmt.Println("  2. [system]       /etc/taxscore/am.toml")
	fmt.Println("  3. [user]         ~/.taxscore/am.toml")
	fmt.Println("  4. [project]      ./am.toml (searches up directories)")
	fmt.Println("  5. [environment]  TAXSCORE_* environment variables")
	fmt.Println()

	for _, s := range settings {
		origin := string(s.Source)
		if s.SourcePath != "" {
			origin = fmt.Sprintf("%s %s", s.Source, s.SourcePath)
		}
		value := fmt.Sprintf("%v", s.Value)
		if len(value) > 50 {
			value = value[:47] + "..."
		}
		pterm.Printf("  %s = %s %s\n", s.Key, value, pterm.Gray("("+origin+")"))
	}
	return nil
}
