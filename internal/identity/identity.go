// Package identity resolves the owning user for sync. The session file
// is written by the application's authentication flow; this package
// only reads it, and treats its absence as "not signed in yet" rather
// than an error.
package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Provider supplies the owner id for the current session. An empty
// string means identity is not yet resolved, which callers treat as a
// retryable condition.
type Provider interface {
	OwnerID() string
}

// session mirrors the relevant part of the session file. Extra fields
// (tokens, display name) are ignored.
type session struct {
	OwnerID string `json:"ownerId"`
}

// FileProvider reads the owner id from a JSON session file on every
// call, so a sign-in or sign-out between sync cycles is picked up
// without restarting.
type FileProvider struct {
	path string
}

// NewFileProvider creates a provider for the given session file path.
func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

// DefaultSessionPath returns ~/.civic-sync/session.json.
func DefaultSessionPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, ".civic-sync", "session.json"), nil
}

// OwnerID returns the owner id from the session file, or "" when the
// file is missing, unreadable, or malformed.
func (p *FileProvider) OwnerID() string {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return ""
	}

	var s session
	if err := json.Unmarshal(data, &s); err != nil {
		return ""
	}

	return s.OwnerID
}

// Static is a Provider that always returns a fixed owner id. Used in
// tests and single-user deployments.
type Static string

// OwnerID implements Provider.
func (s Static) OwnerID() string { return string(s) }
