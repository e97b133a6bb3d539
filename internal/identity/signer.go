package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

// KeyFileName is the persistent key created by the "generated" mode
// inside the data directory.
const KeyFileName = "identity_ed25519"

// Mode selects how the node's signing identity is discovered.
type Mode string

const (
	ModeGit       Mode = "git"
	ModeNone      Mode = "none"
	ModeGPG       Mode = "gpg"
	ModeSSH       Mode = "ssh"
	ModeGenerated Mode = "generated"
)

// Config carries the startup signing options.
type Config struct {
	Mode          Mode
	GPGKeyID      string
	SSHPrivateKey string
	SSHPublicKey  string
	SigningKey    string // generic fallback for GPGKeyID / SSHPrivateKey
	DataDir       string
}

// New discovers or materializes the configured signer.
func New(cfg Config) (Signer, error) {
	switch cfg.Mode {
	case ModeGit, "":
		s, err := discoverGit()
		if err != nil {
			return nil, err
		}
		if s == nil {
			return newNoneSigner(), nil
		}
		return s, nil
	case ModeNone:
		return newNoneSigner(), nil
	case ModeGPG:
		keyID := firstNonEmpty(cfg.GPGKeyID, cfg.SigningKey)
		if keyID == "" {
			return nil, fmt.Errorf("identity: signer mode gpg requires a key id")
		}
		return &gpgSigner{keyID: strings.TrimSpace(keyID)}, nil
	case ModeSSH:
		privPath := firstNonEmpty(cfg.SSHPrivateKey, cfg.SigningKey)
		if privPath == "" {
			return nil, fmt.Errorf("identity: signer mode ssh requires a private key path")
		}
		return newSSHSigner(privPath, cfg.SSHPublicKey)
	case ModeGenerated:
		return loadOrCreateGenerated(cfg.DataDir)
	}
	return nil, fmt.Errorf("identity: unsupported signer mode %q, expected git|none|gpg|ssh|generated", cfg.Mode)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// sshSigner signs with a private key held in memory; its label embeds
// the matching public key line.
type sshSigner struct {
	signer ssh.Signer
	pubKey string
}

func newSSHSigner(privPath, pubValue string) (*sshSigner, error) {
	raw, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("identity: reading ssh private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: parsing ssh private key %s: %w", privPath, err)
	}

	pubKey, err := resolvePublicKey(pubValue, privPath, signer)
	if err != nil {
		return nil, err
	}
	return &sshSigner{signer: signer, pubKey: pubKey}, nil
}

// resolvePublicKey accepts an inline "ssh-..." line, a file path, or
// empty (derive from the private key).
func resolvePublicKey(value, privPath string, signer ssh.Signer) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "ssh-") || strings.HasPrefix(value, "sk-") {
		return value, nil
	}
	if value != "" {
		raw, err := os.ReadFile(value)
		if err != nil {
			return "", fmt.Errorf("identity: reading ssh public key %s: %w", value, err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	if raw, err := os.ReadFile(privPath + ".pub"); err == nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey()))), nil
}

func (s *sshSigner) Identity() string {
	return "ssh:" + s.pubKey
}

func (s *sshSigner) Sign(payload []byte) ([]byte, error) {
	return SignSSH(s.signer, SSHNamespace, payload)
}

// loadOrCreateGenerated loads the persistent ed25519 key from the
// data directory, creating it on first run.
func loadOrCreateGenerated(dataDir string) (*sshSigner, error) {
	if dataDir == "" {
		dataDir = filepath.Join(os.TempDir(), "huddle")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: creating data dir: %w", err)
	}
	keyPath := filepath.Join(dataDir, KeyFileName)

	if raw, err := os.ReadFile(keyPath); err == nil {
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("identity: parsing generated key %s: %w", keyPath, err)
		}
		pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
		return &sshSigner{signer: signer, pubKey: pub}, nil
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating ed25519 key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "huddle-generated")
	if err != nil {
		return nil, fmt.Errorf("identity: encoding generated key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("identity: writing generated key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: wrapping generated key: %w", err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	return &sshSigner{signer: signer, pubKey: pub}, nil
}

// noneSigner cannot sign; its label carries a random token stable for
// the process lifetime so unsigned peers remain distinguishable.
type noneSigner struct {
	token string
}

func newNoneSigner() *noneSigner {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic("identity: random token: " + err.Error())
	}
	return &noneSigner{token: hex.EncodeToString(buf[:])}
}

func (s *noneSigner) Identity() string {
	return "none:" + s.token
}

func (s *noneSigner) Sign([]byte) ([]byte, error) {
	return nil, ErrUnavailable
}

// discoverGit consults the local git configuration for a signing key.
// Returns nil when git has no signing identity configured.
func discoverGit() (Signer, error) {
	signingKey, err := gitConfig("user.signingkey")
	if err != nil || signingKey == "" {
		return nil, nil
	}

	format, _ := gitConfig("gpg.format")
	if strings.ToLower(format) == "ssh" {
		privPath := signingKey
		pubValue := ""
		if strings.HasSuffix(privPath, ".pub") {
			pubValue = privPath
			privPath = strings.TrimSuffix(privPath, ".pub")
		}
		if strings.HasPrefix(signingKey, "ssh-") {
			return nil, fmt.Errorf("identity: git user.signingkey is an inline public key; a private key path is required")
		}
		return newSSHSigner(privPath, pubValue)
	}

	return &gpgSigner{keyID: signingKey}, nil
}

func gitConfig(key string) (string, error) {
	out, err := exec.Command("git", "config", "--get", key).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
