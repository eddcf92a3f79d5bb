package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const secretFileName = "jwt.secret"

// LoadOrCreateSecret returns the token signing secret kept in dir, generating
// and persisting a new 256-bit hex secret if the file is missing or blank.
// A stored secret shorter than MinSecretLength is an error.
func LoadOrCreateSecret(dir string) (string, error) {
	path := filepath.Join(dir, secretFileName)

	data, err := os.ReadFile(path) //nolint:gosec // dir comes from trusted config
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret != "" {
			if len(secret) < MinSecretLength {
				return "", fmt.Errorf("secret in %s is shorter than %d characters", path, MinSecretLength)
			}
			return secret, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read secret: %w", err)
	}

	return writeNewSecret(dir, path)
}

// RotateSecret replaces the stored secret. Every token signed with the old
// one stops authenticating, so connected clients must reconnect with new tokens.
func RotateSecret(dir string) (string, error) {
	return writeNewSecret(dir, filepath.Join(dir, secretFileName))
}

func writeNewSecret(dir, path string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	secret := hex.EncodeToString(b)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}
