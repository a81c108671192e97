package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	keychainService = "dreamsync"
	tokenAccount    = "api_token"
	tokenEnvVar     = "DREAMSYNC_API_TOKEN"
)

// Keychain abstracts platform secret storage for testing.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store. On macOS this is the
// Keychain via the security CLI; elsewhere it is a file under XDG data.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token protecting the loopback management
// API. The daemon and the CLI share it through the platform secret store;
// a fresh token is generated and stored on first use. The DREAMSYNC_API_TOKEN
// environment variable overrides the stored value.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := os.Getenv(tokenEnvVar); tok != "" {
		return tok, nil
	}

	if tok, err := kc.Get(keychainService, tokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	tok := hex.EncodeToString(buf)

	if err := kc.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing api token: %w", err)
	}
	return tok, nil
}
