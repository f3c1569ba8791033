// Package secretprovider defines the secret-provider contract used by auth
// adapters and TLS loading. The proxy core never stores secrets itself; it
// only resolves "secret://name" references through whichever Provider the
// embedding program injects.
package secretprovider

import "errors"

// ErrNotFound is returned when no secret is stored under the given name.
var ErrNotFound = errors.New("secret not found")

// Provider is the external secret-store contract.
type Provider interface {
	Get(name string) ([]byte, error)
	Put(name string, value []byte) error
	Delete(name string) error
}

// Noop is a Provider that stores nothing; every Get returns ErrNotFound.
// Embedding programs that don't need secret-backed TLS material can pass
// this and skip wiring a real provider.
type Noop struct{}

func (Noop) Get(string) ([]byte, error)  { return nil, ErrNotFound }
func (Noop) Put(string, []byte) error    { return nil }
func (Noop) Delete(string) error         { return nil }
