package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/nsf/jsondiff"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

type compareResult struct {
	Path   string
	Pass   bool
	Reason string
	Diff   string
}

func compareCmd() *cobra.Command {
	var (
		showDiff bool
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "compare <baseline-dir> <current-dir>",
		Short: "Compare the artifacts of two runs",
		Long: "Compare the artifacts of two runs.\n\n" +
			"Every artifact in the baseline must exist in the current run with equal JSON.\n" +
			"Runs should both be obfuscated, otherwise ids and timestamps always differ.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("missing artifact directories\n\nUsage: otlpconform compare <baseline-dir> <current-dir>")
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
			}
			results, err := compareDirs(cmd.Context(), args[0], args[1], parallel)
			if err != nil {
				return err
			}

			anyFailed := false
			w := cmd.OutOrStdout()
			for _, r := range results {
				if r.Pass {
					_, _ = fmt.Fprintf(w, "PASS  %s\n", r.Path)
					continue
				}
				anyFailed = true
				_, _ = fmt.Fprintf(w, "FAIL  %s: %s\n", r.Path, r.Reason)
				if showDiff && r.Diff != "" {
					for _, line := range strings.Split(r.Diff, "\n") {
						_, _ = fmt.Fprintf(w, "      %s\n", line)
					}
				}
			}

			if anyFailed {
				return fmt.Errorf("one or more artifacts differ")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDiff, "diff", false, "print the JSON difference of failing artifacts")
	cmd.Flags().IntVar(&parallel, "parallel", 8, "artifacts compared concurrently")

	return cmd
}

func compareDirs(ctx context.Context, baseline, current string, parallel int) ([]compareResult, error) {
	files, err := artifact.Files(baseline)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no artifacts found in %s", baseline)
	}

	p := pool.NewWithResults[compareResult]().WithContext(ctx).WithMaxGoroutines(parallel)
	for _, rel := range files {
		p.Go(func(ctx context.Context) (compareResult, error) {
			return compareFile(baseline, current, rel)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	slices.SortFunc(results, func(a, b compareResult) int { return strings.Compare(a.Path, b.Path) })
	return results, nil
}

func compareFile(baseline, current, rel string) (compareResult, error) {
	want, err := os.ReadFile(filepath.Join(baseline, filepath.FromSlash(rel)))
	if err != nil {
		return compareResult{}, fmt.Errorf("reading baseline %s: %w", rel, err)
	}
	got, err := os.ReadFile(filepath.Join(current, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return compareResult{Path: rel, Reason: "missing from current run"}, nil
	}
	if err != nil {
		return compareResult{}, fmt.Errorf("reading current %s: %w", rel, err)
	}

	opts := jsondiff.DefaultConsoleOptions()
	diff, explanation := jsondiff.Compare(want, got, &opts)
	switch diff {
	case jsondiff.FullMatch:
		return compareResult{Path: rel, Pass: true}, nil
	case jsondiff.FirstArgIsInvalidJson:
		return compareResult{Path: rel, Reason: "baseline is not valid JSON"}, nil
	case jsondiff.SecondArgIsInvalidJson, jsondiff.BothArgsAreInvalidJson:
		return compareResult{Path: rel, Reason: "current is not valid JSON"}, nil
	default:
		return compareResult{Path: rel, Reason: "content differs", Diff: explanation}, nil
	}
}
