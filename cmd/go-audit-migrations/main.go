package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/lexledger/auditchain/pgxaudit"
)

func main() {
	outDir := flag.String("out", "./migrations", "destination directory for migration files")
	apply := flag.Bool("apply", false, "apply pending migrations to -database-url instead of copying files")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string used with -apply")
	flag.Parse()

	if *apply {
		if *databaseURL == "" {
			log.Fatal("-database-url (or DATABASE_URL) is required with -apply")
		}
		ctx := context.Background()
		pool, err := pgxaudit.Connect(ctx, *databaseURL, pgxaudit.PoolOptions{MaxConns: 1})
		if err != nil {
			log.Fatalf("connecting: %v", err)
		}
		applied, err := pgxaudit.Migrate(ctx, pool)
		pool.Close()
		if err != nil {
			log.Fatalf("migrating: %v", err)
		}
		fmt.Printf("applied %d migration files\n", len(applied))
		return
	}

	if err := pgxaudit.CopyMigrations(*outDir); err != nil {
		log.Fatalf("copying migrations: %v", err)
	}

	files, err := pgxaudit.MigrationFiles()
	if err != nil {
		log.Fatalf("listing migrations: %v", err)
	}

	fmt.Printf("copied %d migration files to %s\n", len(files), *outDir)
}
