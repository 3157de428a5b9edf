// Package auth verifies per-account shared secrets stored as token
// files under <base>/tokens/. A token file must be owner-read/write
// only; broadened permissions invalidate the token.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrBadToken means the presented token did not match.
	ErrBadToken = errors.New("auth: invalid token")
	// ErrTokenPerms means the token file is not mode 0600.
	ErrTokenPerms = errors.New("auth: token file permissions too broad")
	// ErrNoToken means the account has no token file.
	ErrNoToken = errors.New("auth: no token file for account")
)

// TokenPath returns the conventional token file location.
func TokenPath(baseDir, account string) string {
	return filepath.Join(baseDir, "tokens", account+".token")
}

// loadToken reads the account's token, enforcing 0600 permission bits
// on every read so a broadened file is caught at auth time, not only
// at startup.
func loadToken(baseDir, account string) (string, error) {
	path := TokenPath(baseDir, account)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", err
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("%w: %s has mode %04o", ErrTokenPerms, path, info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(token), nil
}

// Verify compares the presented token against the account's token file
// in constant time.
func Verify(baseDir, account, presented string) error {
	expected, err := loadToken(baseDir, account)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrBadToken
	}
	return nil
}

// EnsureToken creates a random token for the account if none exists
// and returns the token value. Used at daemon startup so every
// configured account has a credential.
func EnsureToken(baseDir, account string) (string, error) {
	if token, err := loadToken(baseDir, account); err == nil {
		return token, nil
	} else if !errors.Is(err, ErrNoToken) {
		return "", err
	}

	if err := os.MkdirAll(filepath.Join(baseDir, "tokens"), 0o700); err != nil {
		return "", err
	}

	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw[:])

	path := TokenPath(baseDir, account)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", err
	}
	return token, nil
}
