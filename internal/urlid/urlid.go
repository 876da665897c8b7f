// Package urlid derives the stable identity and rate-limit domain of a URL.
package urlid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	errEmptyURL    = errors.New("url is empty")
	errMissingHost = errors.New("url has no host")
)

// ID returns the lowercase SHA-256 hex digest of rawURL exactly as given.
// Equal strings always map to the same 64-character id.
func ID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Domain returns the lowercased host of rawURL without its port.
func Domain(rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", errEmptyURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errMissingHost
	}
	return host, nil
}
