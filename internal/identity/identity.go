// Package identity produces and verifies the signatures that bind
// gossip frames and skill content to a peer. The canonical identity
// label ("gpg:<key-id>", "ssh:<pubkey line>" or "none:<token>") is the
// sole application-level identifier carried on the wire. Verifying an
// ssh label needs nothing beyond the public key embedded in it; a gpg
// label carries only a key id and is verified through the local gpg
// binary and keyring.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// SSHNamespace is the fixed namespace for detached SSH signatures.
const SSHNamespace = "huddle.v1"

// ErrUnavailable is returned by Sign when the node has no signing
// capability (signer mode "none").
var ErrUnavailable = errors.New("identity: signer unavailable")

// Result classifies a verification outcome. Callers treat anything
// but ResultOK as failure.
type Result int

const (
	ResultOK Result = iota
	ResultBad
	ResultUnsupported
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultBad:
		return "bad"
	default:
		return "unsupported"
	}
}

// Signer is the capability surface of the local signing identity.
type Signer interface {
	// Identity returns the canonical label for this signer.
	Identity() string

	// Sign produces a detached signature over payload, or
	// ErrUnavailable when the node cannot sign.
	Sign(payload []byte) ([]byte, error)
}

// SplitLabel splits an identity label into scheme and value.
func SplitLabel(label string) (scheme, value string, err error) {
	scheme, value, ok := strings.Cut(label, ":")
	if !ok || scheme == "" || value == "" {
		return "", "", fmt.Errorf("identity: label must be 'gpg:<key>', 'ssh:<pubkey>' or 'none:<token>', got %q", label)
	}
	return strings.ToLower(scheme), value, nil
}

// Verify checks a detached signature against the identity label that
// allegedly produced it. It is stateless and cross-variant: any
// signer variant can verify any other variant's label. Unknown
// schemes (including "none", which cannot sign) yield
// ResultUnsupported.
func Verify(label string, payload, sig []byte) Result {
	scheme, value, err := SplitLabel(label)
	if err != nil {
		return ResultUnsupported
	}
	switch scheme {
	case "ssh":
		return verifySSH(value, payload, sig)
	case "gpg":
		return verifyGPG(payload, sig)
	default:
		return ResultUnsupported
	}
}
