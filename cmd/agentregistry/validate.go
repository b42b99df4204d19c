package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/BaSui01/agentregistry/manifest"
)

// =============================================================================
// ✅ validate 命令
// =============================================================================

// runValidate 校验清单文件（结构 + JSON Schema），任一文件无效即返回错误
func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "Print every check, not only failures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		return fmt.Errorf("validate requires at least one manifest file")
	}

	validator, err := manifest.NewDefaultValidator()
	if err != nil {
		return err
	}

	ctx := context.Background()
	invalid := 0
	for _, path := range files {
		m, err := manifest.LoadFile(path)
		if err != nil {
			invalid++
			fmt.Fprintf(stdout, "FAIL %s\n  %v\n", path, err)
			continue
		}

		report, err := validator.Validate(ctx, m)
		if err != nil {
			return fmt.Errorf("validate %s: %w", path, err)
		}
		if !report.Valid {
			invalid++
			fmt.Fprintf(stdout, "FAIL %s (%s)\n", path, m.ID)
			for _, msg := range report.Errors {
				fmt.Fprintf(stdout, "  - %s\n", msg)
			}
			continue
		}

		fmt.Fprintf(stdout, "OK   %s (%s %s)\n", path, m.ID, m.Version)
		if *verbose {
			for _, r := range report.Results {
				fmt.Fprintf(stdout, "  [%s] %s\n", r.Check, r.Message)
			}
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d manifests invalid", invalid, len(files))
	}
	return nil
}
