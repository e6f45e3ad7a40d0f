// Package credential models enrolled WebAuthn authenticators.
package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no credential has the requested id.
var ErrNotFound = errors.New("credential not found")

// ErrReplay is returned when an assertion's sign counter does not advance
// past the stored value.
var ErrReplay = errors.New("authenticator counter did not increase (possible replay)")

// StoredCredential is one enrolled authenticator as persisted in
// credentials.json.
type StoredCredential struct {
	// CredentialID is the raw credential id, base64url without padding.
	CredentialID string `json:"credentialID"`
	// PublicKey is the COSE-encoded public key, standard base64.
	PublicKey  string    `json:"publicKey"`
	Counter    uint32    `json:"counter"`
	Transports []string  `json:"transports,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// New encodes raw credential material into a StoredCredential.
func New(id, publicKey []byte, counter uint32, transports []string, createdAt time.Time) StoredCredential {
	return StoredCredential{
		CredentialID: EncodeID(id),
		PublicKey:    base64.StdEncoding.EncodeToString(publicKey),
		Counter:      counter,
		Transports:   transports,
		CreatedAt:    createdAt.UTC(),
	}
}

// EncodeID renders a raw credential id the way it is stored.
func EncodeID(id []byte) string {
	return base64.RawURLEncoding.EncodeToString(id)
}

// RawID decodes CredentialID. Padded input is accepted.
func (c StoredCredential) RawID() ([]byte, error) {
	id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
	if err != nil {
		id, err = base64.URLEncoding.DecodeString(c.CredentialID)
	}
	if err != nil {
		return nil, fmt.Errorf("decode credential id: %w", err)
	}
	return id, nil
}

// RawPublicKey decodes PublicKey.
func (c StoredCredential) RawPublicKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return key, nil
}

// CheckCounter enforces strict counter monotonicity for an assertion.
func (c StoredCredential) CheckCounter(next uint32) error {
	if next <= c.Counter {
		return fmt.Errorf("%w: stored %d, got %d", ErrReplay, c.Counter, next)
	}
	return nil
}

// Store persists enrolled credentials.
type Store interface {
	// List returns all credentials; an absent store yields an empty list.
	List(ctx context.Context) ([]StoredCredential, error)
	// Add appends a credential, replacing any with the same id.
	Add(ctx context.Context, cred StoredCredential) error
	// Delete removes a credential, returning ErrNotFound when absent.
	Delete(ctx context.Context, credentialID string) error
	// UpdateCounter stores a new sign counter, returning ErrNotFound when
	// absent and ErrReplay when counter does not exceed the stored value.
	UpdateCounter(ctx context.Context, credentialID string, counter uint32) error
}

// Find returns the credential with the given id from creds.
func Find(creds []StoredCredential, credentialID string) (StoredCredential, bool) {
	for _, c := range creds {
		if c.CredentialID == credentialID {
			return c, true
		}
	}
	return StoredCredential{}, false
}
