package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 执行数据库迁移。标志可以出现在子命令前后：
//
//	agentregistry migrate up --config config.yaml
//	agentregistry migrate --db-type sqlite --db-url file:registry.db steps -1
func runMigrate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite); defaults to database.driver")
	dbURL := fs.String("db-url", "", "Database URL; overrides the database section of the config")

	subargs, err := parseInterleaved(fs, args)
	if err != nil {
		return err
	}
	if len(subargs) == 0 {
		return fmt.Errorf("missing migrate subcommand, see 'agentregistry help'")
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, _ := initLogger(cfg.Log)
	logger = logger.With(zap.String("component", "migrate"))
	defer logger.Sync()

	dbCfg := cfg.Database
	if *dbType != "" {
		dbCfg.Driver = *dbType
	}
	m, err := migration.FromDatabaseConfig(dbCfg, *dbURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return migration.NewCLI(m, stdout).Run(ctx, subargs)
}

// parseInterleaved 允许标志与位置参数交错出现；负整数（steps -1）按位置参数处理
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		for len(args) > 0 && isNegativeInt(args[0]) {
			positional = append(positional, args[0])
			args = args[1:]
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}
}

func isNegativeInt(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n < 0
}
