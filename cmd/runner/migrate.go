package main

import (
	"context"

	"lifecontrol/internal/db"
	"lifecontrol/internal/migrate"
)

func runMigrate(ctx context.Context, a *app) error {
	database, err := db.Connect(ctx, a.cfg.DatabaseURL, 2)
	if err != nil {
		return err
	}
	defer database.Close()
	applied, err := migrate.Apply(ctx, database.Pool)
	if err != nil {
		return err
	}
	a.log.Infow("migrations_applied", "names", applied)
	return nil
}
