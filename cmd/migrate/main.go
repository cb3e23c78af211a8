package main

import (
	"errors"
	"flag"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/logger"
)

func main() {
	var migrationDir string
	flag.StringVar(&migrationDir, "path", "migrations", "Path to migration files")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set")
	}

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	m, err := migrate.New("file://"+migrationDir, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed to initialize")
	}
	defer m.Close()
	m.Log = migrateLogger{log}

	if err := run(m, args); err != nil {
		log.Fatal().Err(err).Str("command", args[0]).Msg("Migration failed")
	}
}

func run(m *migrate.Migrate, args []string) error {
	switch args[0] {
	case "up":
		return ignoreNoChange(m.Up(), "Migrated up successfully")
	case "down":
		return ignoreNoChange(m.Down(), "Migrated down successfully")
	case "steps":
		n, err := intArg(args)
		if err != nil {
			return err
		}
		return ignoreNoChange(m.Steps(n), fmt.Sprintf("Applied %d step(s)", n))
	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Version: %d, Dirty: %t\n", version, dirty)
		return nil
	case "force":
		v, err := intArg(args)
		if err != nil {
			return err
		}
		if err := m.Force(v); err != nil {
			return err
		}
		fmt.Printf("Forced version to %d\n", v)
		return nil
	default:
		printUsage()
		return nil
	}
}

func ignoreNoChange(err error, done string) error {
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	fmt.Println(done)
	return nil
}

func intArg(args []string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a numeric argument", args[0])
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("invalid argument %q: %w", args[1], err)
	}
	return n, nil
}

// migrateLogger adapts zerolog to migrate.Logger.
type migrateLogger struct {
	log zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Info().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.log.GetLevel() <= zerolog.DebugLevel
}

func printUsage() {
	fmt.Println("Usage: migrate [flags] <command>")
	fmt.Println("Commands: up, down, steps <n>, version, force <version>")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
