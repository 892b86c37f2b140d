// Package secrets keeps marketplace API tokens in the system credential
// store. On macOS that is the login Keychain; elsewhere no store is
// available and tokens come from the configuration file or the
// environment.
package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ServiceName is the Keychain service marketchat tokens are stored under.
const ServiceName = "marketchat"

var (
	// ErrNotFound is returned when no token is stored for a server.
	ErrNotFound = errors.New("credential not found")
	// ErrNotSupported is returned when the platform has no credential store.
	ErrNotSupported = errors.New("secret store not supported on this platform")
)

// Store is a credential store keyed by service and account.
// Implementations are safe for concurrent use.
type Store interface {
	// Get returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)
	// Set creates or replaces a credential.
	Set(service, account, secret string) error
	// Delete returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error
	Supported() bool
}

// platformStore is set by the platform-specific files.
var platformStore Store

// Default returns the platform's credential store.
func Default() Store {
	if platformStore == nil {
		return unsupported{}
	}
	return platformStore
}

// Account returns the account name a server's token is stored under: the
// scheme and host of its base URL, so tokens survive changes to the API
// prefix.
func Account(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server URL %q", baseURL)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

// LookupToken returns the token stored for baseURL.
func LookupToken(s Store, baseURL string) (string, error) {
	account, err := Account(baseURL)
	if err != nil {
		return "", err
	}
	return s.Get(ServiceName, account)
}

// SaveToken stores token for baseURL, replacing any previous one.
func SaveToken(s Store, baseURL, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("empty token")
	}
	account, err := Account(baseURL)
	if err != nil {
		return err
	}
	return s.Set(ServiceName, account, token)
}

// DeleteToken removes the token stored for baseURL.
func DeleteToken(s Store, baseURL string) error {
	account, err := Account(baseURL)
	if err != nil {
		return err
	}
	return s.Delete(ServiceName, account)
}

type unsupported struct{}

func (unsupported) Get(string, string) (string, error) { return "", ErrNotSupported }
func (unsupported) Set(string, string, string) error   { return ErrNotSupported }
func (unsupported) Delete(string, string) error        { return ErrNotSupported }
func (unsupported) Supported() bool                    { return false }
