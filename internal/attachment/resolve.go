// Package attachment turns attachment storage paths into fetchable URLs.
package attachment

import "strings"

// Resolver resolves relative storage paths against the server base URL.
type Resolver struct {
	baseURL string
}

// NewResolver creates a resolver for the given server base URL.
func NewResolver(baseURL string) *Resolver {
	return &Resolver{baseURL: baseURL}
}

// Resolve returns the absolute URL for path. Paths that already start with
// http:// or https:// are returned unmodified; anything else is appended to
// the base URL with exactly one "/" between them.
func (r *Resolver) Resolve(path string) string {
	return Resolve(r.baseURL, path)
}

// Resolve is the stateless form of Resolver.Resolve.
func Resolve(baseURL, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
}
