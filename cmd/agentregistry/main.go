// =============================================================================
// AgentRegistry 主入口
// =============================================================================
// 注册中心服务进程：注册表、能力匹配、健康监控与运维端点
//
// 使用方法:
//
//	agentregistry serve                                   # 启动服务
//	agentregistry serve --config config.yaml --manifests ./agents
//	agentregistry validate agents/worker.yaml             # 校验清单文件
//	agentregistry migrate up                              # 运行数据库迁移
//	agentregistry migrate status                          # 查看迁移状态
//	agentregistry version                                 # 显示版本信息
//	agentregistry health                                  # 健康检查
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentregistry/config"
	"github.com/BaSui01/agentregistry/internal/logging"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 分发子命令并返回退出码
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "validate":
		err = runValidate(args[1:], stdout)
	case "migrate":
		err = runMigrate(args[1:], stdout)
	case "version":
		printVersion(stdout)
	case "health":
		err = runHealthCheck(args[1:], stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig 加载并校验配置：默认值 → YAML（严格模式，展开 ${VAR}）→ AGENTREGISTRY_* 环境变量。
// 第二个返回值是生效的环境变量覆盖项。
func loadConfig(path string) (*config.Config, []string, error) {
	loader := config.NewLoader().
		WithStrict().
		WithExpandEnv().
		WithValidator(func(c *config.Config) error { return c.Validate() }).
		WithValidator(func(c *config.Config) error { return logging.Validate(c.Log) })
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader.Overrides(), nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check /readyz instead of /healthz")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("health check failed: status %d: %s", resp.StatusCode, body)
	}

	fmt.Fprintln(stdout, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "AgentRegistry %s\n", Version)
	fmt.Fprintf(w, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "  Git Commit: %s\n", GitCommit)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `AgentRegistry - Agent registry and discovery service

Usage:
  agentregistry <command> [options]

Commands:
  serve     Start the registry (health monitor, janitor, ops endpoints)
  validate  Validate one or more manifest files
  migrate   SQL schema migration commands
  version   Show version information
  health    Check a running server
  help      Show this help message

Options for 'serve':
  --config <path>      Path to configuration file (YAML)
  --manifests <dir>    Register every manifest in dir at startup
  --tenant <name>      Tenant for manifests without a "tenant" label (default: default)

Migration subcommands:
  migrate up             Apply all pending migrations
  migrate down [all]     Roll back the last (or every) migration
  migrate steps <n>      Apply (n>0) or roll back (n<0) n migrations
  migrate goto <v>       Migrate to a specific version
  migrate force <v>      Force set migration version
  migrate status         Show migration status
  migrate plan           List migrations 'up' would apply
  migrate info           Show a migration summary
  migrate version        Show current migration version

Examples:
  agentregistry serve --config /etc/agentregistry/config.yaml
  agentregistry validate agents/*.yaml
  agentregistry migrate up --config /etc/agentregistry/config.yaml
  agentregistry health --addr http://localhost:8080 --ready`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 配置已在 loadConfig 中校验，这里只可能因输出路径不可写而失败，
// 此时退回写 stderr 的默认 logger，保证进程仍能报告错误
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	logger, level, err := logging.New(cfg, logging.WithFields(
		zap.String("service", "agentregistry"),
		zap.String("version", Version),
	))
	if err == nil {
		return logger, level
	}
	fallback := config.DefaultLogConfig()
	fallback.OutputPaths = []string{"stderr"}
	logger, level, _ = logging.New(fallback)
	logger.Warn("log config unusable, logging to stderr", zap.Error(err))
	return logger, level
}
