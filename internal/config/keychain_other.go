//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretsFile is a 0600 JSON file of service -> account -> value.
type secretsFile struct {
	path    string
	service string
}

func newSecretStore() SecretStore {
	return secretsFile{path: filepath.Join(dataHome(), "tutor", "secrets.json"), service: secretService}
}

func (f secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretsFile) Get(account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[f.service][account]
	if !ok {
		return "", fmt.Errorf("no secret %s/%s", f.service, account)
	}
	return v, nil
}

func (f secretsFile) Set(account, value string) error {
	secrets, err := f.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[f.service] == nil {
		secrets[f.service] = make(map[string]string)
	}
	secrets[f.service][account] = value
	return writePrivateJSON(f.path, secrets)
}
