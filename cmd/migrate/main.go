package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"example/mixreport-api/app"
	"example/mixreport-api/app/config"
	"example/mixreport-api/app/migrations"

	"github.com/golang-migrate/migrate/v4"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	db, err := app.OpenDB(context.Background(), cfg.DB)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	if db == nil {
		log.Fatal("POSTGRES_URL is not set")
	}
	defer db.Close()

	log.Printf("connecting to %s:%s/%s", cfg.DB.URL, cfg.DB.Port, cfg.DB.Database)

	m, err := migrations.New(db)
	if err != nil {
		log.Fatalf("failed to init migrations: %v", err)
	}

	switch command {
	case "up":
		err := m.Up()
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			log.Println("no change: schema is up to date")
		case err != nil:
			log.Fatalf("migrate up: %v", err)
		default:
			log.Println("migrations applied")
		}

	case "down":
		// Only the last migration; a full teardown is never one command away.
		if err := m.Steps(-1); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
		log.Println("rolled back the last migration")

	case "goto":
		if len(os.Args) < 3 {
			log.Fatal("goto needs a version")
		}
		version, err := strconv.ParseUint(os.Args[2], 10, 64)
		if err != nil {
			log.Fatalf("invalid version: %v", err)
		}
		if err := m.Migrate(uint(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("migrate to %d: %v", version, err)
		}
		log.Printf("schema at version %d", version)

	case "status":
		version, dirty, err := m.Version()
		switch {
		case errors.Is(err, migrate.ErrNilVersion):
			log.Println("no migrations applied yet")
		case err != nil:
			log.Fatalf("read version: %v", err)
		default:
			suffix := ""
			if dirty {
				suffix = " (dirty)"
			}
			log.Printf("current version: %d%s", version, suffix)
		}

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("usage: migrate <command>")
	fmt.Println("  up     - apply every pending migration")
	fmt.Println("  down   - roll back the last migration")
	fmt.Println("  goto N - migrate to version N")
	fmt.Println("  status - print the current version")
}
