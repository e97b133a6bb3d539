package identity

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// gpgSigner shells out to the local gpg agent. The gpg label carries
// only a key id, so verification also goes through gpg; when the
// binary is absent the result is unsupported rather than bad.
type gpgSigner struct {
	keyID string
}

func (s *gpgSigner) Identity() string {
	return "gpg:" + s.keyID
}

func (s *gpgSigner) Sign(payload []byte) ([]byte, error) {
	tmp := tempPath("huddle-gpg-sign")
	sig := tempPath("huddle-gpg-sign.sig")
	defer os.Remove(tmp)
	defer os.Remove(sig)

	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return nil, fmt.Errorf("identity: writing gpg payload: %w", err)
	}

	cmd := exec.Command("gpg",
		"--batch", "--yes",
		"--local-user", s.keyID,
		"--detach-sign",
		"--output", sig,
		tmp,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("identity: gpg signing failed: %w: %s", err, out)
	}

	signature, err := os.ReadFile(sig)
	if err != nil {
		return nil, fmt.Errorf("identity: reading gpg signature: %w", err)
	}
	return signature, nil
}

func verifyGPG(payload, sig []byte) Result {
	if _, err := exec.LookPath("gpg"); err != nil {
		return ResultUnsupported
	}

	tmp := tempPath("huddle-gpg-verify")
	sigPath := tempPath("huddle-gpg-verify.sig")
	defer os.Remove(tmp)
	defer os.Remove(sigPath)

	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return ResultBad
	}
	if err := os.WriteFile(sigPath, sig, 0o600); err != nil {
		return ResultBad
	}

	if err := exec.Command("gpg", "--batch", "--verify", sigPath, tmp).Run(); err != nil {
		return ResultBad
	}
	return ResultOK
}

func tempPath(prefix string) string {
	return filepath.Join(os.TempDir(), prefix+"-"+uuid.NewString())
}
