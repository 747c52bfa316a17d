//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const defaultsDomain = "com.kalambet.tutor"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "tutor")
	}
	return "tutor-data"
}

// defaultsStore keeps settings in a UserDefaults domain through the
// defaults(1) tool. Everything is written with -string.
type defaultsStore struct {
	domain string
}

func newPlatformStore() Store {
	return defaultsStore{domain: defaultsDomain}
}

func (d defaultsStore) Get(key string) (string, bool, error) {
	out, err := exec.Command("defaults", "read", d.domain, key).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("defaults read %s: %w: %s", key, err, s)
	}
	return s, true, nil
}

func (d defaultsStore) Set(key, val string) error {
	if out, err := exec.Command("defaults", "write", d.domain, key, "-string", val).CombinedOutput(); err != nil {
		return fmt.Errorf("defaults write %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d defaultsStore) Delete(key string) error {
	return exec.Command("defaults", "delete", d.domain, key).Run()
}
