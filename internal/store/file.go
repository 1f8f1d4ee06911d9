package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/taku10101/playwright-secretary/internal/pattern"
)

// File keeps one JSON document per pattern under <root>/<service>/<id>.json.
type File struct {
	mu   sync.RWMutex
	root string
}

func NewFile(root string) (*File, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("store root dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &File{root: root}, nil
}

func (f *File) Save(ctx context.Context, p pattern.Pattern) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(p.Ref())
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pattern %s: %w", p.Ref(), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create service directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write pattern tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit pattern: %w", err)
	}
	return nil
}

func (f *File) Load(ctx context.Context, ref pattern.Ref) (pattern.Pattern, error) {
	if err := ctx.Err(); err != nil {
		return pattern.Pattern{}, err
	}
	path, err := f.path(ref)
	if err != nil {
		return pattern.Pattern{}, err
	}
	f.mu.RLock()
	data, err := os.ReadFile(path)
	f.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return pattern.Pattern{}, ErrNotFound
	}
	if err != nil {
		return pattern.Pattern{}, fmt.Errorf("read pattern %s: %w", ref, err)
	}
	var p pattern.Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return pattern.Pattern{}, fmt.Errorf("decode pattern %s: %w", ref, err)
	}
	return p, nil
}

func (f *File) Delete(ctx context.Context, ref pattern.Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := f.path(ref)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete pattern %s: %w", ref, err)
	}
	return true, nil
}

func (f *File) List(ctx context.Context) ([]pattern.Pattern, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []pattern.Pattern
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var p pattern.Pattern
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortPatterns(out)
	return out, nil
}

func (f *File) Close() error { return nil }

func (f *File) path(ref pattern.Ref) (string, error) {
	if !safeSegment(ref.Service) || !safeSegment(ref.ID) {
		return "", fmt.Errorf("invalid pattern reference %q", ref.String())
	}
	return filepath.Join(f.root, ref.Service, ref.ID+".json"), nil
}

func safeSegment(segment string) bool {
	if strings.TrimSpace(segment) == "" || segment == "." || segment == ".." {
		return false
	}
	return !strings.ContainsAny(segment, `/\`)
}
