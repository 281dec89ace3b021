package main

import (
	"fmt"
	"io"

	"github.com/andrewh/otlpconform/pkg/artifact"
	"github.com/andrewh/otlpconform/pkg/signal"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type caseEntry struct {
	Signal   string `yaml:"signal"`
	Name     string `yaml:"name"`
	DataType string `yaml:"data_type"`
	Records  int    `yaml:"records"`
	Exported string `yaml:"exported"`
	Queried  string `yaml:"queried"`
}

func casesCmd() *cobra.Command {
	var (
		format  string
		signals string
	)

	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List the test cases a run exports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := signal.ParseKinds(signals)
			if err != nil {
				return err
			}
			entries, err := listCases(kinds)
			if err != nil {
				return err
			}
			switch format {
			case "table":
				writeCaseTable(cmd.OutOrStdout(), entries)
				return nil
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(entries); err != nil {
					return fmt.Errorf("encoding cases: %w", err)
				}
				return enc.Close()
			default:
				return fmt.Errorf("unsupported format %q, supported: table, yaml", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format: table or yaml")
	cmd.Flags().StringVar(&signals, "signals", "traces,metrics,logs", "comma-separated signals to list: traces,metrics,logs")

	return cmd
}

// listCases builds every case with a placeholder id to count its records.
func listCases(kinds []signal.Kind) ([]caseEntry, error) {
	var out []caseEntry
	for _, k := range kinds {
		g, err := signal.GeneratorFor(k)
		if err != nil {
			return nil, err
		}
		tcs, err := signal.Cases(g, func() string { return "example" })
		if err != nil {
			return nil, err
		}
		dir := signal.Slug(k.DataType())
		for _, tc := range tcs {
			n, err := signal.Verify(tc)
			if err != nil {
				return nil, err
			}
			out = append(out, caseEntry{
				Signal:   string(k),
				Name:     tc.Name,
				DataType: k.DataType(),
				Records:  n,
				Exported: dir + "/" + tc.Slug() + artifact.ExportedSuffix,
				Queried:  dir + "/" + tc.Slug() + artifact.QueriedSuffix,
			})
		}
	}
	return out, nil
}

func writeCaseTable(w io.Writer, entries []caseEntry) {
	title := cases.Title(language.English)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Signal", "Test case", "Data type", "Records", "Artifacts"})
	for _, e := range entries {
		t.AppendRow(table.Row{title.String(e.Signal), e.Name, e.DataType, e.Records, e.Exported})
	}
	t.AppendFooter(table.Row{"", "Total", "", len(entries), ""})
	t.Render()
}
