package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/taxscore/am"
	"github.com/teranos/taxscore/background"
	"github.com/teranos/taxscore/db"
	"github.com/teranos/taxscore/errors"
	"github.com/teranos/taxscore/lineage"
	"github.com/teranos/taxscore/logger"
	"github.com/teranos/taxscore/metrics"
	"github.com/teranos/taxscore/observation"
	"github.com/teranos/taxscore/report"
	"github.com/teranos/taxscore/scoring"
	"github.com/teranos/taxscore/zscore"
)

// DatabasePath overrides database.path when set by the --db flag
var DatabasePath string

// openDatabase opens and migrates a database using the specified path.
// If dbPath is empty, it loads from am config.
func openDatabase(dbPath string) (*sql.DB, error) {
	if dbPath == "" {
		path, err := am.GetDatabasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get database path")
		}
		if path == "" {
			dbPath = "taxscore.db"
		} else {
			dbPath = path
		}
	}

	database, err := db.OpenWithMigrations(dbPath, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// scoringDefaults is the z-score config applied to models without their own
func scoringDefaults(cfg *am.Config) zscore.Config {
	return zscore.Config{
		Min:              cfg.Scoring.ZScoreMin,
		Max:              cfg.Scoring.ZScoreMax,
		AbsentFromSample: cfg.Scoring.ZScoreWhenAbsentFromSample,
		AbsentFromBg:     cfg.Scoring.ZScoreWhenAbsentFromBg,
	}
}

// app holds the wired components shared by the commands
type app struct {
	cfg          *am.Config
	db           *sql.DB
	metrics      *metrics.Registry
	lineage      *lineage.Store
	observations *observation.Store
	backgrounds  *background.Store
	builds       *background.Service
	models       *scoring.Registry
	reports      *report.Service
}

// openApp loads config, opens the database and hydrates the lineage index
// and model registry. withRuntime adds process collectors to the metrics
// registry for long-running commands.
func openApp(ctx context.Context, withRuntime bool) (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	order, err := lineage.NewOrder(cfg.Lineage.VersionOrder)
	if err != nil {
		return nil, errors.WithHint(err, "set lineage.version_order to lexical or semver")
	}

	database, err := openDatabase(DatabasePath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      database,
		metrics: metrics.NewRegistry(withRuntime),
	}

	a.lineage = lineage.NewStore(database, order, a.metrics, logger.ComponentLogger("lineage"))
	if err := a.lineage.Load(ctx); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to load lineage records")
	}

	a.observations = observation.NewStore(database, logger.ComponentLogger("observation"))
	a.backgrounds = background.NewStore(database, logger.ComponentLogger("background"))
	builder := background.NewBuilder(a.observations, cfg.GetBackgroundWorkers(), logger.ComponentLogger("background"))
	a.builds = background.NewService(a.backgrounds, builder, a.metrics, cfg.GetBackgroundTimeout(), logger.ComponentLogger("background"))

	a.models = scoring.NewRegistry(cfg.GetModelsDir(), scoringDefaults(cfg), logger.ComponentLogger("scoring"))
	if err := a.models.Load(); err != nil {
		database.Close()
		return nil, err
	}

	a.reports = report.NewService(
		a.observations,
		a.backgrounds,
		a.lineage.Resolver(),
		a.models,
		a.metrics,
		cfg.GetDefaultModel(),
		logger.ComponentLogger("report"),
	)
	return a, nil
}

func (a *app) Close() error {
	_ = a.models.Stop()
	return a.db.Close()
}
