// Package authimpl is the default collaborator.Auth implementation: it
// resolves a bearer credential from the OS keychain, an environment
// variable, or a plain-text file, and caches it until told to reauthenticate.
package authimpl

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const serviceName = "mailcore"

// KeyStore resolves and caches the bearer credential used for LLM calls.
// It implements collaborator.Auth.
type KeyStore struct {
	keyRef string

	mu    sync.Mutex
	cached string
}

// New returns a KeyStore that resolves keyRef on first use. keyRef uses one
// of the schemes documented on ResolveKeyRef.
func New(keyRef string) *KeyStore {
	return &KeyStore{keyRef: keyRef}
}

// AccessToken returns the cached bearer token, resolving it on first call.
func (k *KeyStore) AccessToken(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cached != "" {
		return k.cached, nil
	}
	tok, err := k.ResolveKeyRef(k.keyRef)
	if err != nil {
		return "", err
	}
	k.cached = tok
	return tok, nil
}

// Reauthenticate drops the cached token and re-resolves it. For the
// keychain/env/file schemes this simply re-reads the source, which is
// sufficient to pick up a credential that was rotated out of band.
func (k *KeyStore) Reauthenticate(ctx context.Context) (string, error) {
	k.mu.Lock()
	k.cached = ""
	k.mu.Unlock()
	return k.AccessToken(ctx)
}

// IsAuthError reports whether statusCode indicates the bearer credential
// was rejected and a reauthentication round should be attempted.
func (k *KeyStore) IsAuthError(statusCode int) bool {
	return statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden
}

// Set stores a bearer credential under name in the OS keychain.
func (k *KeyStore) Set(name, value string) error {
	return keyring.Set(serviceName, name, value)
}

// Delete removes a credential previously stored with Set.
func (k *KeyStore) Delete(name string) error {
	return keyring.Delete(serviceName, name)
}

// ResolveKeyRef parses a key reference and retrieves the corresponding
// credential. Supported formats:
//   - "keyring://mailcore/<name>" (preferred)
//   - "keychain:mailcore/<name>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (k *KeyStore) ResolveKeyRef(keyRef string) (string, error) {
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://mailcore/<name>\")", keyRef)
		}
		return k.fromKeyring(parts[1])
	}

	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"mailcore/<name>\")", path)
		}
		return k.fromKeyring(parts[1])
	}

	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		val := strings.TrimSpace(string(data))
		if val == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return val, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://mailcore/<name>\", \"keychain:mailcore/<name>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}

func (k *KeyStore) fromKeyring(name string) (string, error) {
	secret, err := keyring.Get(serviceName, name)
	if err == nil && secret != "" {
		return secret, nil
	}
	envKey := "MAILCORE_KEY_" + strings.ToUpper(name)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("no credential found for %q: not in keychain and %s not set", name, envKey)
}
