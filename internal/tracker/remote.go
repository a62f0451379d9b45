package tracker

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"tdvc/internal/session"
)

// IsRemoteURL reports whether s names a git remote rather than a local
// template project.
func IsRemoteURL(s string) bool {
	return strings.Contains(s, "://") ||
		strings.HasPrefix(s, "git@") ||
		strings.HasSuffix(s, ".git")
}

// NormalizeURL rewrites scp-like remotes (git@host:path) to https so that
// stored username/password credentials apply. Other URLs pass through.
func NormalizeURL(raw string) string {
	if !strings.HasPrefix(raw, "git@") || strings.Contains(raw, "://") {
		return raw
	}
	host, path, ok := strings.Cut(strings.TrimPrefix(raw, "git@"), ":")
	if !ok {
		return raw
	}
	return "https://" + host + "/" + strings.TrimPrefix(path, "/")
}

// authFor returns basic auth for http(s) remotes when the user has
// credentials. Credentials go into the request only, never into the
// repository config.
func authFor(u *session.User, url string) transport.AuthMethod {
	if !u.HasCredentials() {
		return nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil
	}
	return &http.BasicAuth{Username: u.Username, Password: u.Password}
}
