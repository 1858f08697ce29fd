package migrate

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/config"
	registrymigrate "github.com/chirino/workspace-service/internal/registry/migrate"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/urfave/cli/v3"

	// Store plugins register their migrators alongside their loaders.
	_ "github.com/chirino/workspace-service/internal/plugin/store/mongo"
	_ "github.com/chirino/workspace-service/internal/plugin/store/postgres"
	_ "github.com/chirino/workspace-service/internal/plugin/store/sqlite"
)

// Command returns the migrate sub-command.
func Command() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the document schema to the configured datastore",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db-url",
				Sources:  cli.EnvVars("WORKSPACE_SERVICE_DB_URL"),
				Usage:    "Database connection URL (a file path for sqlite)",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-kind",
				Sources: cli.EnvVars("WORKSPACE_SERVICE_DB_KIND"),
				Usage:   "Store backend (" + strings.Join(registrystore.Names(), "|") + ")",
				Value:   "postgres",
			},
			&cli.StringFlag{
				Name:    "db-mongo-database",
				Sources: cli.EnvVars("WORKSPACE_SERVICE_DB_MONGO_DATABASE"),
				Usage:   "Database name used by the mongo store",
				Value:   config.DefaultConfig().MongoDatabase,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := config.DefaultConfig()
			cfg.DBURL = cmd.String("db-url")
			cfg.DatastoreType = cmd.String("db-kind")
			cfg.MongoDatabase = cmd.String("db-mongo-database")
			cfg.DatastoreMigrateAtStart = true
			ctx = config.WithContext(ctx, &cfg)

			log.Info("Running migrations...", "db", cfg.DatastoreType, "migrators", registrymigrate.Names())
			if err := registrymigrate.RunAll(ctx); err != nil {
				return err
			}
			log.Info("All migrations completed successfully")
			return nil
		},
	}
}
