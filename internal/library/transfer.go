package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(raw string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unsupported format %q", raw)
}

// Export writes every stored pattern, statistics included, as one document.
func (l *Library) Export(ctx context.Context, w io.Writer, format Format) (int, error) {
	all, err := l.Search(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	if all == nil {
		all = []pattern.Pattern{}
	}
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(all); err != nil {
			return 0, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return 0, fmt.Errorf("flush yaml: %w", err)
		}
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(all); err != nil {
			return 0, fmt.Errorf("encode json: %w", err)
		}
	}
	return len(all), nil
}

// Import stores every pattern in the document as-is, overwriting patterns with
// the same reference and keeping their recorded statistics. Nothing is written
// unless every pattern validates.
func (l *Library) Import(ctx context.Context, r io.Reader, format Format) (int, error) {
	var items []pattern.Pattern
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&items); err != nil && err != io.EOF {
			return 0, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		if err := json.NewDecoder(r).Decode(&items); err != nil {
			return 0, fmt.Errorf("decode json: %w", err)
		}
	}

	for i := range items {
		if err := pattern.Validate(items[i]); err != nil {
			return 0, fmt.Errorf("pattern %d (%s): %w", i, items[i].Ref(), err)
		}
		items[i].SortSteps()
		if strings.TrimSpace(items[i].Metadata.Version) == "" {
			items[i].Metadata.Version = pattern.DefaultVersion
		}
		if items[i].Metadata.CreatedAt.IsZero() {
			items[i].Metadata.CreatedAt = l.now()
		}
		if items[i].Metadata.UpdatedAt.IsZero() {
			items[i].Metadata.UpdatedAt = items[i].Metadata.CreatedAt
		}
	}

	imported := 0
	for _, p := range items {
		err := l.withLease(ctx, p.Ref(), func(ctx context.Context) error {
			return l.store.Save(ctx, p)
		})
		if err != nil {
			l.ClearCache()
			return imported, fmt.Errorf("import %s: %w", p.Ref(), err)
		}
		imported++
	}
	l.ClearCache()
	l.logger.Info("patterns imported", zap.Int("count", imported))
	return imported, nil
}
