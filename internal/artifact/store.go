// Package artifact persists execution screenshots and serves them over HTTP.
package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

type Store interface {
	// SaveScreenshot stores one base64 PNG under the execution and returns its public URL.
	SaveScreenshot(ctx context.Context, executionID string, index int, payload string) (string, error)
}

type LocalStore struct {
	rootDir string
	baseURL string
}

const screenshotsDir = "screenshots"

func NewLocalStore(rootDir, baseURL string) (*LocalStore, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if err := os.MkdirAll(filepath.Join(root, screenshotsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}

	prefix := "/" + strings.Trim(strings.TrimSpace(baseURL), "/")
	if prefix == "/" {
		prefix = "/artifacts"
	}
	return &LocalStore{rootDir: root, baseURL: prefix}, nil
}

func (s *LocalStore) BaseURL() string { return s.baseURL }

func (s *LocalStore) SaveScreenshot(ctx context.Context, executionID string, index int, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := sanitize(executionID)
	if dir == "" {
		return "", errors.New("execution id is required")
	}
	decoded, err := decodeBase64(strings.TrimSpace(payload))
	if err != nil {
		return "", err
	}

	relative := filepath.ToSlash(filepath.Join(screenshotsDir, dir, fmt.Sprintf("%03d.png", index)))
	path := filepath.Join(s.rootDir, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create execution artifact dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, decoded, 0o644); err != nil {
		return "", fmt.Errorf("write artifact tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return s.baseURL + "/" + relative, nil
}

// Handler serves stored artifacts under the store's base URL.
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(s.baseURL, http.FileServer(http.Dir(s.rootDir)))
}

// RootDir falls back to a temp directory when configured is blank.
func RootDir(configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return filepath.Join(os.TempDir(), "secretary-artifacts")
}

func decodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, errors.New("payload is required")
	}
	if strings.HasPrefix(payload, "data:") {
		_, data, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, errors.New("invalid data url payload")
		}
		payload = data
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("decoded payload is empty")
	}
	return decoded, nil
}

func sanitize(id string) string {
	id = strings.TrimSpace(id)
	id = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return id
}
