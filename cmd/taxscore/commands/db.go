package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the taxscore database",
	Long: `db - Manage the taxscore database

Examples:
  taxscore db migrate   # Apply pending migrations
  taxscore db status    # Show applied migrations and row counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied migrations and row counts",
	RunE:  runDbStatus,
}

// statusTables are counted by db status, in display order
var statusTables = []string{
	"reference_versions",
	"taxon_lineages",
	"pipeline_runs",
	"taxon_observations",
	"backgrounds",
	"taxon_summaries",
	"async_jobs",
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Database is at migration %s\n", latestVersion(versions))
	return nil
}

func runDbStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(DatabasePath)
	if err != nil {
		return err
	}
	defer database.Close()

	path := DatabasePath
	if path == "" {
		if path, err = am.GetDatabasePath(); err != nil {
			return err
		}
	}

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}

	fmt.Printf("Database Path: %s\n", path)
	fmt.Printf("Migrations:    %d applied (latest %s)\n\n", len(versions), latestVersion(versions))

	for _, table := range statusTables {
		var n int
		if err := database.QueryRowContext(cmd.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return errors.Wrapf(err, "failed to count %s", table)
		}
		pterm.Printf("  %-20s %s\n", table, pterm.LightCyan(n))
	}
	return nil
}

func latestVersion(versions []string) string {
	if len(versions) == 0 {
		return "none"
	}
	return versions[len(versions)-1]
}
