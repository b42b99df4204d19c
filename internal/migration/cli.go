package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
)

// ErrDirty 上次迁移中途失败，需人工修复后 force
var ErrDirty = errors.New("registry schema is dirty")

// CLI 为 agentregistry migrate 解析子命令并输出结果
type CLI struct {
	m   Migrator
	out io.Writer
}

type subcommand struct {
	usage string
	// mutates 为 true 时先检查 dirty 状态
	mutates bool
	run     func(c *CLI, ctx context.Context, args []string) error
}

var subcommands = map[string]subcommand{
	"up":      {usage: "up", mutates: true, run: (*CLI).up},
	"down":    {usage: "down [all]", mutates: true, run: (*CLI).down},
	"steps":   {usage: "steps <n>", mutates: true, run: (*CLI).steps},
	"goto":    {usage: "goto <version>", mutates: true, run: (*CLI).gotoVersion},
	"force":   {usage: "force <version>", run: (*CLI).force},
	"version": {usage: "version", run: (*CLI).version},
	"status":  {usage: "status", run: (*CLI).status},
	"plan":    {usage: "plan", run: (*CLI).plan},
	"info":    {usage: "info", run: (*CLI).info},
}

// NewCLI out 为 nil 时写 stdout
func NewCLI(m Migrator, out io.Writer) *CLI {
	if out == nil {
		out = os.Stdout
	}
	return &CLI{m: m, out: out}
}

// Usage 返回按字母序排列的子命令用法
func Usage() []string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, len(names))
	for i, name := range names {
		lines[i] = subcommands[name].usage
	}
	return lines
}

// Run 执行 args[0] 对应的子命令
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migrate subcommand (%s)", strings.Join(Usage(), ", "))
	}
	cmd, ok := subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown migrate subcommand %q", args[0])
	}
	if cmd.mutates {
		if err := c.refuseDirty(ctx); err != nil {
			return err
		}
	}
	return cmd.run(c, ctx, args[1:])
}

func (c *CLI) refuseDirty(ctx context.Context) error {
	v, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w at version %d: fix the schema by hand, then run 'migrate force %d'", ErrDirty, v, v)
	}
	return nil
}

func intArg(args []string, name string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("%s requires a numeric argument", name)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", name, args[0])
	}
	return n, nil
}

// =============================================================================
// 子命令
// =============================================================================

func (c *CLI) up(ctx context.Context, _ []string) error {
	fmt.Fprintln(c.out, "Applying registry migrations...")
	if err := c.m.Up(ctx); err != nil {
		return err
	}
	return c.report(ctx, "Migrations complete.")
}

func (c *CLI) down(ctx context.Context, args []string) error {
	if len(args) > 0 && args[0] == "all" {
		fmt.Fprintln(c.out, "Rolling back all registry migrations...")
		if err := c.m.DownAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "All migrations rolled back.")
		return nil
	}
	fmt.Fprintln(c.out, "Rolling back last migration...")
	if err := c.m.Down(ctx); err != nil {
		return err
	}
	return c.report(ctx, "Rollback complete.")
}

func (c *CLI) steps(ctx context.Context, args []string) error {
	n, err := intArg(args, "steps")
	if err != nil {
		return err
	}
	switch {
	case n == 0:
		fmt.Fprintln(c.out, "Nothing to do.")
		return nil
	case n > 0:
		fmt.Fprintf(c.out, "Applying %d migration(s)...\n", n)
	default:
		fmt.Fprintf(c.out, "Rolling back %d migration(s)...\n", -n)
	}
	if err := c.m.Steps(ctx, n); err != nil {
		return err
	}
	return c.report(ctx, "Complete.")
}

func (c *CLI) gotoVersion(ctx context.Context, args []string) error {
	n, err := intArg(args, "goto")
	if err != nil {
		return err
	}
	if n < 0 {
		return errors.New("goto version must not be negative")
	}
	fmt.Fprintf(c.out, "Migrating to version %d...\n", n)
	if err := c.m.Goto(ctx, uint(n)); err != nil {
		return err
	}
	return c.report(ctx, "Migration complete.")
}

func (c *CLI) force(ctx context.Context, args []string) error {
	n, err := intArg(args, "force")
	if err != nil {
		return err
	}
	if err := c.m.Force(ctx, n); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Version forced to %d\n", n)
	return nil
}

func (c *CLI) version(ctx context.Context, _ []string) error {
	v, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	switch {
	case v == 0 && !dirty:
		fmt.Fprintln(c.out, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.out, "Current version: %d (dirty)\n", v)
	default:
		fmt.Fprintf(c.out, "Current version: %d\n", v)
	}
	return nil
}

func (c *CLI) status(ctx context.Context, _ []string) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	applied := 0
	for _, s := range statuses {
		if s.Applied {
			applied++
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, s.label())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

// plan 列出 up 将要执行的迁移，不修改数据库
func (c *CLI) plan(ctx context.Context, _ []string) error {
	statuses, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	var pending []MigrationStatus
	for _, s := range statuses {
		if !s.Applied {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		fmt.Fprintln(c.out, "Schema is up to date.")
		return nil
	}
	fmt.Fprintf(c.out, "'migrate up' would apply %d migration(s):\n", len(pending))
	for _, s := range pending {
		fmt.Fprintf(c.out, "  %06d  %s\n", s.Version, s.Name)
	}
	return nil
}

func (c *CLI) info(ctx context.Context, _ []string) error {
	info, err := c.m.Info(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintln(c.out, "Registry schema:")
	fmt.Fprintf(tw, "  Current Version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(tw, "  Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(tw, "  Total Migrations:\t%d\n", info.TotalMigrations)
	fmt.Fprintf(tw, "  Applied Migrations:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(tw, "  Pending Migrations:\t%d\n", info.PendingMigrations)
	return tw.Flush()
}

func (c *CLI) report(ctx context.Context, prefix string) error {
	v, _, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Current version: %d\n", prefix, v)
	return nil
}

func (s MigrationStatus) label() string {
	switch {
	case s.Dirty:
		return "dirty"
	case s.Applied:
		return "applied"
	default:
		return "pending"
	}
}
