package approval

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/latch-dev/latch/internal/domain/credential"
)

// RPID is the relying party id used for every ceremony. The approval and
// enrollment pages are always opened on http://localhost:<port>.
const RPID = "localhost"

// ErrUnknownCredential is returned when an assertion names a credential
// that is not enrolled.
var ErrUnknownCredential = errors.New("unknown credential")

// userName is the account label shown by platform authenticators.
const userName = "agent-2fa-user"

// userHandle is the stable WebAuthn user id. Credentials enrolled with a
// different handle are accepted by adopting the handle they return.
var userHandle = []byte("latch-user")

// Assertion is a verified authentication result. The caller still has to
// enforce counter monotonicity and persist Counter.
type Assertion struct {
	CredentialID string
	Counter      uint32
}

// Verifier runs the server side of the WebAuthn authentication ceremony.
type Verifier interface {
	BeginAssertion(origin string, creds []credential.StoredCredential) (any, *webauthn.SessionData, error)
	FinishAssertion(origin string, session *webauthn.SessionData, creds []credential.StoredCredential, body []byte) (Assertion, error)
}

// Registrar runs the server side of the WebAuthn registration ceremony.
type Registrar interface {
	BeginRegistration(origin string, existing []credential.StoredCredential) (any, *webauthn.SessionData, error)
	FinishRegistration(origin string, session *webauthn.SessionData, existing []credential.StoredCredential, body []byte) (credential.StoredCredential, error)
}

// WebAuthn implements Verifier and Registrar with go-webauthn. A relying
// party is built per origin because every listener gets a fresh port.
type WebAuthn struct {
	RPID          string
	RPDisplayName string
}

var (
	_ Verifier  = WebAuthn{}
	_ Registrar = WebAuthn{}
)

// NewWebAuthn returns the ceremony runner for RPID.
func NewWebAuthn() WebAuthn {
	return WebAuthn{RPID: RPID, RPDisplayName: "latch"}
}

func (w WebAuthn) relyingParty(origin string) (*webauthn.WebAuthn, error) {
	rp, err := webauthn.New(&webauthn.Config{
		RPID:          w.RPID,
		RPDisplayName: w.RPDisplayName,
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, fmt.Errorf("configure relying party: %w", err)
	}
	return rp, nil
}

// BeginAssertion issues a fresh challenge restricted to creds. The returned
// options are the publicKey member of the credential request.
func (w WebAuthn) BeginAssertion(origin string, creds []credential.StoredCredential) (any, *webauthn.SessionData, error) {
	rp, err := w.relyingParty(origin)
	if err != nil {
		return nil, nil, err
	}
	user, err := newUser(userHandle, creds, nil)
	if err != nil {
		return nil, nil, err
	}
	options, session, err := rp.BeginLogin(user, webauthn.WithUserVerification(protocol.VerificationRequired))
	if err != nil {
		return nil, nil, fmt.Errorf("begin login: %w", err)
	}
	return options.Response, session, nil
}

// FinishAssertion verifies the authenticator response in body against the
// session challenge and the stored public key.
func (w WebAuthn) FinishAssertion(origin string, session *webauthn.SessionData, creds []credential.StoredCredential, body []byte) (Assertion, error) {
	if session == nil {
		return Assertion{}, errors.New("no challenge issued")
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(body))
	if err != nil {
		return Assertion{}, fmt.Errorf("parse assertion: %w", err)
	}

	id := credential.EncodeID(parsed.RawID)
	if _, ok := credential.Find(creds, id); !ok {
		return Assertion{}, ErrUnknownCredential
	}

	handle := userHandle
	if len(parsed.Response.UserHandle) > 0 {
		handle = parsed.Response.UserHandle
	}
	user, err := newUser(handle, creds, &parsed.Response.AuthenticatorData.Flags)
	if err != nil {
		return Assertion{}, err
	}
	sd := *session
	sd.UserID = handle

	rp, err := w.relyingParty(origin)
	if err != nil {
		return Assertion{}, err
	}
	if _, err := rp.ValidateLogin(user, sd, parsed); err != nil {
		return Assertion{}, fmt.Errorf("validate login: %w", err)
	}
	return Assertion{
		CredentialID: id,
		Counter:      parsed.Response.AuthenticatorData.Counter,
	}, nil
}

// BeginRegistration issues creation options for a platform authenticator,
// excluding the already enrolled credentials.
func (w WebAuthn) BeginRegistration(origin string, existing []credential.StoredCredential) (any, *webauthn.SessionData, error) {
	rp, err := w.relyingParty(origin)
	if err != nil {
		return nil, nil, err
	}
	user, err := newUser(userHandle, existing, nil)
	if err != nil {
		return nil, nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.creds))
	for _, c := range user.creds {
		exclusions = append(exclusions, c.Descriptor())
	}

	options, session, err := rp.BeginRegistration(user,
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.Platform,
			ResidentKey:             protocol.ResidentKeyRequirementPreferred,
			UserVerification:        protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("begin registration: %w", err)
	}
	return options.Response, session, nil
}

// FinishRegistration verifies the attestation in body and returns the
// credential to store.
func (w WebAuthn) FinishRegistration(origin string, session *webauthn.SessionData, existing []credential.StoredCredential, body []byte) (credential.StoredCredential, error) {
	if session == nil {
		return credential.StoredCredential{}, errors.New("no challenge issued")
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	if err != nil {
		return credential.StoredCredential{}, fmt.Errorf("parse attestation: %w", err)
	}
	user, err := newUser(userHandle, existing, nil)
	if err != nil {
		return credential.StoredCredential{}, err
	}
	rp, err := w.relyingParty(origin)
	if err != nil {
		return credential.StoredCredential{}, err
	}
	cred, err := rp.CreateCredential(user, *session, parsed)
	if err != nil {
		return credential.StoredCredential{}, fmt.Errorf("create credential: %w", err)
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	return credential.New(cred.ID, cred.PublicKey, cred.Authenticator.SignCount, transports, time.Now()), nil
}

// user adapts the enrolled credential list to webauthn.User.
type user struct {
	id    []byte
	creds []webauthn.Credential
}

// newUser decodes creds. When flags is set, each credential's backup flags
// are taken from it since they are not persisted.
func newUser(id []byte, creds []credential.StoredCredential, flags *protocol.AuthenticatorFlags) (*user, error) {
	u := &user{id: id, creds: make([]webauthn.Credential, 0, len(creds))}
	for _, c := range creds {
		rawID, err := c.RawID()
		if err != nil {
			return nil, err
		}
		pk, err := c.RawPublicKey()
		if err != nil {
			return nil, err
		}
		wc := webauthn.Credential{
			ID:              rawID,
			PublicKey:       pk,
			AttestationType: "none",
			Authenticator:   webauthn.Authenticator{SignCount: c.Counter},
		}
		for _, t := range c.Transports {
			wc.Transport = append(wc.Transport, protocol.AuthenticatorTransport(t))
		}
		if flags != nil {
			wc.Flags = webauthn.CredentialFlags{
				BackupEligible: flags.HasBackupEligible(),
				BackupState:    flags.HasBackupState(),
			}
		}
		u.creds = append(u.creds, wc)
	}
	return u, nil
}

func (u *user) WebAuthnID() []byte                         { return u.id }
func (u *user) WebAuthnName() string                       { return userName }
func (u *user) WebAuthnDisplayName() string                { return userName }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.creds }

