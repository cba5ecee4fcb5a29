// Package secrets holds credentials that can be rotated without a restart.
package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// GatewayToken is the vault key for the gateway bearer token.
const GatewayToken = "gateway_token"

// Loader reads the current secret values from their source.
type Loader func() (map[string]string, error)

// Vault holds secret values in memory and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling loader once to populate it.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" if it is not set.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload calls the loader and swaps in the new values. On error the
// previous values stay in place.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// FileLoader returns a Loader reading each key from its file, with
// surrounding whitespace trimmed. This matches secrets mounted as files.
// A missing or unreadable file fails the whole load.
func FileLoader(files map[string]string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(files))
		for key, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("secret %s: %w", key, err)
			}
			vals[key] = strings.TrimSpace(string(data))
		}
		return vals, nil
	}
}
