package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taku10101/playwright-secretary/internal/app"
	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/pattern"
)

func (c *cli) newPatternsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "patterns",
		Aliases: []string{"pattern", "p"},
		Short:   "Manage the pattern library",
	}
	cmd.AddCommand(
		c.newPatternsListCommand(),
		c.newPatternsShowCommand(),
		c.newPatternsAddCommand(),
		c.newPatternsDeleteCommand(),
		c.newPatternsExportCommand(),
		c.newPatternsImportCommand(),
	)
	return cmd
}

func (c *cli) newPatternsListCommand() *cobra.Command {
	var (
		filter  library.Filter
		asJSON  bool
		sortBy  string
		limit   int
		minRate float64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored patterns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("min-success-rate") {
				filter.MinSuccessRate = &minRate
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				var (
					items []pattern.Pattern
					err   error
				)
				switch sortBy {
				case "most-used":
					items, err = a.Library.MostUsed(ctx, limit)
				case "most-successful":
					items, err = a.Library.MostSuccessful(ctx, limit)
				case "":
					items, err = a.Library.Search(ctx, filter)
				default:
					return fmt.Errorf("unknown --sort %q", sortBy)
				}
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), items)
				}
				return printPatternTable(cmd.OutOrStdout(), items)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Service, "service", "", "only patterns for this service")
	cmd.Flags().StringVar((*string)(&filter.Category), "category", "", "only patterns in this category")
	cmd.Flags().StringSliceVar(&filter.Tags, "tag", nil, "only patterns carrying every tag")
	cmd.Flags().StringVarP(&filter.Search, "query", "q", "", "free-text search over name and description")
	cmd.Flags().Float64Var(&minRate, "min-success-rate", 0, "minimum success rate between 0 and 1")
	cmd.Flags().StringVar(&sortBy, "sort", "", "most-used or most-successful")
	cmd.Flags().IntVar(&limit, "limit", 10, "result count for --sort")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printPatternTable(w io.Writer, items []pattern.Pattern) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REF\tNAME\tCATEGORY\tSTEPS\tUSES\tSUCCESS")
	for _, p := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.0f%%\n",
			p.Ref(), p.Name, p.Category, len(p.Steps), p.Metadata.UsageCount, p.Metadata.SuccessRate*100)
	}
	return tw.Flush()
}

func (c *cli) newPatternsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <service/id>",
		Short: "Print one pattern as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				p, err := a.Library.Get(ctx, pattern.ParseRef(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p)
			})
		},
	}
}

func (c *cli) newPatternsAddCommand() *cobra.Command {
	var replace bool
	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Add a pattern from a JSON or YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPatternFile(args[0])
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				var saved pattern.Pattern
				if replace {
					saved, err = a.Library.Update(ctx, p)
				} else {
					saved, err = a.Library.Add(ctx, p)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %s (version %s)\n", saved.Ref(), saved.Metadata.Version)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "update an existing pattern instead of adding")
	return cmd
}

func readPatternFile(path string) (pattern.Pattern, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return pattern.Pattern{}, err
	}
	var p pattern.Pattern
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &p)
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	}
	if err != nil {
		return pattern.Pattern{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return p, nil
}

func (c *cli) newPatternsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <service/id>",
		Aliases: []string{"rm"},
		Short:   "Delete a pattern",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := pattern.ParseRef(args[0])
			if ref.Service == "" {
				return fmt.Errorf("delete needs a service/id reference, got %q", args[0])
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				deleted, err := a.Library.Delete(ctx, ref)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("%w: %s", library.ErrPatternNotFound, ref)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ref)
				return nil
			})
		},
	}
}

func (c *cli) newPatternsExportCommand() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every pattern, statistics included, to stdout or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := library.ParseFormat(format)
			if err != nil {
				return err
			}
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				w := cmd.OutOrStdout()
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := a.Library.Export(ctx, w, parsed)
				if err != nil {
					return err
				}
				if out != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "exported %d patterns to %s\n", n, out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or yaml")
	cmd.Flags().StringVarP(&out, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func (c *cli) newPatternsImportCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import patterns exported by 'patterns export'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(args[0]), ".")
			}
			parsed, err := library.ParseFormat(format)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				n, err := a.Library.Import(ctx, f, parsed)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported %d patterns\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json or yaml (defaults to the file extension)")
	return cmd
}
