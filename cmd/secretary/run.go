package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taku10101/playwright-secretary/internal/app"
	"github.com/taku10101/playwright-secretary/internal/discovery"
	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/value"
)

func (c *cli) newMatchCommand() *cobra.Command {
	var (
		criteria matcher.Criteria
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Find the stored pattern that best fits an intent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				if all {
					ranked, err := a.Matcher.Rank(ctx, criteria)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), ranked)
				}
				best, err := a.Matcher.FindBestMatch(ctx, criteria)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), best)
			})
		},
	}
	cmd.Flags().StringVar(&criteria.Service, "service", "", "service the action belongs to")
	cmd.Flags().StringVar(&criteria.Action, "action", "", "action keyword, e.g. send or search")
	cmd.Flags().StringSliceVar(&criteria.Parameters, "param", nil, "parameter names the caller can supply")
	cmd.Flags().StringVar(&criteria.Description, "description", "", "free-text description of the intent")
	cmd.Flags().BoolVar(&all, "all", false, "print every candidate with its score")
	return cmd
}

func (c *cli) newRunCommand() *cobra.Command {
	var params, vars []string
	cmd := &cobra.Command{
		Use:   "run <service/id>",
		Short: "Execute a pattern in the configured browser",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.Request{}
			var err error
			if req.Parameters, err = parseAssignments(params); err != nil {
				return err
			}
			if req.Variables, err = parseAssignments(vars); err != nil {
				return err
			}
			return c.withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				done, err := a.Runner.ExecutePattern(ctx, pattern.ParseRef(args[0]), req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), done); err != nil {
					return err
				}
				if done.Status != history.StatusSucceeded {
					return fmt.Errorf("execution %s %s: %s", done.ID, done.Status, done.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "parameter as name=value; JSON values are decoded")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "initial variable as name=value")
	return cmd
}

// parseAssignments turns name=value pairs into values. A value that parses as
// JSON keeps its JSON type; anything else is a string.
func parseAssignments(pairs []string) (map[string]value.Value, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]value.Value, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", pair)
		}
		var decoded value.Value
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			out[name] = decoded
			continue
		}
		out[name] = value.String(raw)
	}
	return out, nil
}

func (c *cli) newDiscoverCommand() *cobra.Command {
	var (
		opts             = discovery.DefaultOptions()
		text, role, kind string
	)
	cmd := &cobra.Command{
		Use:   "discover <url>",
		Short: "List the interactive elements of a page with suggested selectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				lease, err := a.Pages.Acquire(ctx)
				if err != nil {
					return err
				}
				defer a.Pages.Release(lease, true)

				if err := lease.Page.Navigate(ctx, args[0]); err != nil {
					return fmt.Errorf("load %s: %w", args[0], err)
				}
				structure, err := a.Discoverer.Analyze(ctx, lease.Page, opts)
				if err != nil {
					return err
				}
				if text != "" {
					structure.Elements = discovery.FindByText(structure.Elements, text)
				}
				if role != "" {
					structure.Elements = discovery.FindByRole(structure.Elements, role)
				}
				if kind != "" {
					structure.Elements = discovery.FindByType(structure.Elements, discovery.ElementType(kind))
				}
				return printJSON(cmd.OutOrStdout(), structure)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.IncludeHidden, "hidden", opts.IncludeHidden, "include hidden elements")
	cmd.Flags().BoolVar(&opts.IncludeDisabled, "disabled", opts.IncludeDisabled, "include disabled elements")
	cmd.Flags().IntVar(&opts.MaxElements, "max", opts.MaxElements, "maximum number of elements")
	cmd.Flags().StringVar(&text, "text", "", "keep elements whose text or label contains this")
	cmd.Flags().StringVar(&role, "role", "", "keep elements with this role")
	cmd.Flags().StringVar(&kind, "type", "", "keep elements of this type (button, link, input, ...)")
	return cmd
}

func (c *cli) newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the pattern library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				stats, err := a.Library.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}
