// Package credentials supplies the token a session authenticates with.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the keychain service identifier
	ServiceName = "papin"

	// DefaultAccount is the keychain account used when none is configured
	DefaultAccount = "default"

	// EnvToken is the environment variable read by Env
	EnvToken = "PAPIN_TOKEN"
)

// ErrNotFound is returned when a source holds no token.
var ErrNotFound = errors.New("credentials: no token found")

// Credentials identify the client to the remote endpoint.
type Credentials struct {
	Token string
}

// Empty reports whether no token is present.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Token) == ""
}

// Source produces credentials on demand.
type Source interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// Static always returns the same token.
type Static string

func (s Static) Credentials(context.Context) (Credentials, error) {
	if strings.TrimSpace(string(s)) == "" {
		return Credentials{}, ErrNotFound
	}
	return Credentials{Token: string(s)}, nil
}

// Env reads the token from PAPIN_TOKEN.
type Env struct{}

func (Env) Credentials(context.Context) (Credentials, error) {
	token := os.Getenv(EnvToken)
	if token == "" {
		return Credentials{}, ErrNotFound
	}
	return Credentials{Token: token}, nil
}

// Keyring stores the token in the OS keychain.
type Keyring struct {
	service string
	account string
}

// NewKeyring creates a keychain-backed source for account.
func NewKeyring(account string) *Keyring {
	if account == "" {
		account = DefaultAccount
	}
	return &Keyring{service: ServiceName, account: account}
}

func (k *Keyring) Credentials(context.Context) (Credentials, error) {
	token, err := keyring.Get(k.service, k.account)
	if errors.Is(err, keyring.ErrNotFound) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("read keychain: %w", err)
	}
	return Credentials{Token: token}, nil
}

// Store saves token for this account.
func (k *Keyring) Store(token string) error {
	if err := keyring.Set(k.service, k.account, token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Delete removes the stored token. Deleting a missing token is not an error.
func (k *Keyring) Delete() error {
	err := keyring.Delete(k.service, k.account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// Chain tries each source in order and returns the first token found.
type Chain []Source

func (c Chain) Credentials(ctx context.Context) (Credentials, error) {
	for _, src := range c {
		creds, err := src.Credentials(ctx)
		if err == nil && !creds.Empty() {
			return creds, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Credentials{}, err
		}
	}
	return Credentials{}, ErrNotFound
}
