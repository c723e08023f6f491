package migration

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CLI 把迁移结果格式化输出到终端，供 `pacegate migrate` 使用
type CLI struct {
	m   Migrator
	out io.Writer
}

// NewCLI 创建 CLI
func NewCLI(m Migrator, out io.Writer) *CLI {
	return &CLI{m: m, out: out}
}

// Run 执行子命令：up | down | version | status
func (c *CLI) Run(ctx context.Context, action string) error {
	switch action {
	case "up":
		if err := c.m.Up(ctx); err != nil {
			return err
		}
		return c.printVersion(ctx, "migrated to version")
	case "down":
		if err := c.m.Down(ctx); err != nil {
			return err
		}
		return c.printVersion(ctx, "rolled back to version")
	case "version":
		return c.printVersion(ctx, "current version")
	case "status":
		return c.printStatus(ctx)
	}
	return fmt.Errorf("unknown migrate action %q (want up|down|version|status)", action)
}

func (c *CLI) printVersion(ctx context.Context, label string) error {
	v, dirty, err := c.m.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 {
		fmt.Fprintln(c.out, "no migrations applied")
		return nil
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	fmt.Fprintf(c.out, "%s: %d%s\n", label, v, suffix)
	return nil
}

func (c *CLI) printStatus(ctx context.Context) error {
	rows, err := c.m.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, r := range rows {
		state := "pending"
		switch {
		case r.Dirty:
			state = "dirty"
		case r.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", r.Version, r.Name, state)
	}
	return w.Flush()
}
