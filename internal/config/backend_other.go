//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(dataHome(), "tutor")
}

// fileStore keeps settings as a flat JSON object under $XDG_CONFIG_HOME.
type fileStore struct {
	path string
	data map[string]string
}

func newPlatformStore() Store {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	f := &fileStore{path: filepath.Join(dir, "tutor", "config.json"), data: map[string]string{}}
	f.load()
	return f
}

// load accepts numbers and booleans written by hand as well as strings.
func (f *fileStore) load() {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("config file unreadable, using defaults", "path", f.path, "error", err)
		}
		return
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		slog.Warn("config file is not valid JSON, using defaults", "path", f.path, "error", err)
		return
	}
	for k, v := range values {
		switch v := v.(type) {
		case string:
			f.data[k] = v
		case float64:
			f.data[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			f.data[k] = strconv.FormatBool(v)
		default:
			slog.Warn("ignoring config value of unsupported type", "key", k)
		}
	}
}

func (f *fileStore) Get(key string) (string, bool, error) {
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fileStore) Set(key, val string) error {
	f.data[key] = val
	return writePrivateJSON(f.path, f.data)
}

func (f *fileStore) Delete(key string) error {
	delete(f.data, key)
	return writePrivateJSON(f.path, f.data)
}

func writePrivateJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
