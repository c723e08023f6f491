package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BaSui01/pacegate/config"
	"github.com/BaSui01/pacegate/internal/migration"
)

// runMigrate pacegate migrate <up|down|version|status> [--config path]
func runMigrate(args []string) error {
	if len(args) < 1 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printMigrateUsage()
		if len(args) < 1 {
			return errors.New("missing migrate subcommand")
		}
		return nil
	}
	action := args[0]

	fs := flag.NewFlagSet("migrate "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("db-driver", "", "Override database driver: postgres, mysql, sqlite")
	dsn := fs.String("db-dsn", "", "Override database DSN")
	_ = fs.Parse(args[1:])

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	dbCfg := overrideDatabase(cfg.Database, *driver, *dsn)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := migration.FromDatabaseConfig(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer m.Close()

	return migration.NewCLI(m, os.Stdout).Run(ctx, action)
}

// overrideDatabase 命令行参数优先于配置文件
func overrideDatabase(db config.DatabaseConfig, driver, dsn string) config.DatabaseConfig {
	if driver != "" {
		db.Driver = driver
	}
	if dsn != "" {
		db.DSN = dsn
	}
	return db
}

func printMigrateUsage() {
	fmt.Println(`Snapshot table migrations

Usage:
  pacegate migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Roll back the most recent migration
  version   Show current migration version
  status    List embedded migrations and whether they are applied

Options:
  --config <path>       Path to configuration file (YAML)
  --db-driver <driver>  postgres, mysql or sqlite (default: from config)
  --db-dsn <dsn>        Connection string (default: from config)`)
}
