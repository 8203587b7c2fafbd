package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/lineage"
	"github.com/teranos/taxscore/taxon"
)

// LineageCmd groups lineage version commands
var LineageCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Import lineage versions and resolve ancestry",
	Long: `lineage - Versioned taxonomic lineage

Each lineage record is valid over an inclusive range of lineage version
labels. Publishing a version appends records; a record whose range overlaps
an existing range for the same taxid aborts the whole import.

Examples:
  taxscore lineage import --version 2024-02-06 lineages.jsonl
  taxscore lineage import --version 2024-02-06 --start 2021-01-22 lineages.jsonl
  taxscore lineage resolve 562 --version 2024-02-06
  taxscore lineage versions`,
}

var lineageImportCmd = &cobra.Command{
	Use:   "import <file.jsonl|->",
	Short: "Publish a reference version and its lineage records",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineageImport,
}

var lineageResolveCmd = &cobra.Command{
	Use:   "resolve <taxid>",
	Short: "Resolve a taxid's ancestry at a lineage version",
	Args:  cobra.ExactArgs(1),
	RunE:  runLineageResolve,
}

var lineageVersionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List published reference versions",
	RunE:  runLineageVersions,
}

var (
	lineageNameFlag    string
	lineageVersionFlag string
	lineageStartFlag   string
	lineageEndFlag     string
	lineageLocatorFlag string
	lineageJSONFlag    bool
)

func init() {
	lineageImportCmd.Flags().StringVar(&lineageNameFlag, "name", "", "Reference version name (default: the lineage version label)")
	lineageImportCmd.Flags().StringVar(&lineageVersionFlag, "version", "", "Lineage version label this reference introduces")
	lineageImportCmd.Flags().StringVar(&lineageStartFlag, "start", "", "Range start for rows without one (default: --version)")
	lineageImportCmd.Flags().StringVar(&lineageEndFlag, "end", "", "Range end for rows without one (default: --version)")
	lineageImportCmd.Flags().StringVar(&lineageLocatorFlag, "locator", "", "Where the reference database lives")
	_ = lineageImportCmd.MarkFlagRequired("version")

	lineageResolveCmd.Flags().StringVar(&lineageVersionFlag, "version", "", "Lineage version label")
	lineageResolveCmd.Flags().BoolVarP(&lineageJSONFlag, "json", "j", false, "Output as JSON")
	_ = lineageResolveCmd.MarkFlagRequired("version")

	lineageVersionsCmd.Flags().BoolVarP(&lineageJSONFlag, "json", "j", false, "Output as JSON")

	LineageCmd.AddCommand(lineageImportCmd)
	LineageCmd.AddCommand(lineageResolveCmd)
	LineageCmd.AddCommand(lineageVersionsCmd)
}

func runLineageImport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	start, end := lineageStartFlag, lineageEndFlag
	if start == "" {
		start = lineageVersionFlag
	}
	if end == "" {
		end = lineageVersionFlag
	}

	in, err := openInput(args[0])
	if err != nil {
		return err
	}
	defer in.Close()

	records, err := lineage.ReadRecords(in, start, end)
	if err != nil {
		return err
	}

	ref := lineage.ReferenceVersion{
		Name:           lineageNameFlag,
		LineageVersion: lineageVersionFlag,
		Locator:        lineageLocatorFlag,
	}
	if ref.Name == "" {
		ref.Name = lineageVersionFlag
	}

	if err := a.lineage.PublishVersion(cmd.Context(), ref, records); err != nil {
		return errors.Wrapf(err, "failed to publish %s", ref.Name)
	}

	pterm.Success.Printf("Published %s with %d lineage records\n", ref.Name, len(records))
	return nil
}

func runLineageResolve(cmd *cobra.Command, args []string) error {
	taxid, err := parseID("tax", args[0])
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.lineage.Resolver().Resolve(taxid, lineageVersionFlag)
	gap := lineage.IsGap(err)
	if err != nil && !gap {
		return err
	}

	if lineageJSONFlag {
		return printJSON(rec)
	}

	if gap {
		pterm.Warning.Printf("No lineage range for %d covers %s, showing sentinel ancestry\n", taxid, lineageVersionFlag)
	} else {
		fmt.Printf("Lineage of %d at %s (valid %s..%s)\n", taxid, lineageVersionFlag, rec.VersionStart, rec.VersionEnd)
	}
	for _, rank := range taxon.Ranks {
		entry := rec.Ancestor(rank)
		pterm.Printf("  %-13s %8d  %s\n", rank, entry.TaxID, entry.Name)
	}
	if rec.IsPhage {
		pterm.Printf("  %s\n", pterm.Yellow("phage"))
	}
	return nil
}

func runLineageVersions(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.lineage.ListVersions(cmd.Context())
	if err != nil {
		return err
	}
	if lineageJSONFlag {
		return printJSON(versions)
	}
	if len(versions) == 0 {
		pterm.Info.Println("No reference versions published")
		return nil
	}
	for _, v := range versions {
		pterm.Printf("  %-24s %s %s\n", v.Name, pterm.LightCyan(v.LineageVersion), pterm.Gray(v.Locator))
	}
	return nil
}
