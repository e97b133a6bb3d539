package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Detached SSH signatures follow the OpenSSH SSHSIG scheme
// (PROTOCOL.sshsig): the signature wraps the signer's public key, the
// namespace, the hash algorithm and an SSH wire signature over a
// fixed-format blob containing the SHA-512 of the message.

var sshsigMagic = []byte("SSHSIG")

const sshsigVersion = 1

type sshsigWrapper struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

type sshsigBlob struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

func sshsigSignedData(namespace string, payload []byte) []byte {
	sum := sha512.Sum512(payload)
	blob := ssh.Marshal(sshsigBlob{
		Namespace:     namespace,
		HashAlgorithm: "sha512",
		Hash:          sum[:],
	})
	return append(append([]byte{}, sshsigMagic...), blob...)
}

// SignSSH produces a detached SSHSIG signature over payload under the
// given namespace.
func SignSSH(signer ssh.Signer, namespace string, payload []byte) ([]byte, error) {
	data := sshsigSignedData(namespace, payload)

	var sig *ssh.Signature
	var err error
	if as, ok := signer.(ssh.AlgorithmSigner); ok && signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		sig, err = as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
	} else {
		sig, err = signer.Sign(rand.Reader, data)
	}
	if err != nil {
		return nil, fmt.Errorf("identity: ssh signing failed: %w", err)
	}

	wrapper := ssh.Marshal(sshsigWrapper{
		Version:       sshsigVersion,
		PublicKey:     signer.PublicKey().Marshal(),
		Namespace:     namespace,
		HashAlgorithm: "sha512",
		Signature:     ssh.Marshal(sig),
	})
	return append(append([]byte{}, sshsigMagic...), wrapper...), nil
}

// VerifySSH checks a detached SSHSIG signature against an OpenSSH
// public key line ("ssh-ed25519 AAAA... comment").
func VerifySSH(pubKeyLine, namespace string, payload, sig []byte) error {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKeyLine))
	if err != nil {
		return fmt.Errorf("identity: bad ssh public key in label: %w", err)
	}

	if !bytes.HasPrefix(sig, sshsigMagic) {
		return fmt.Errorf("identity: signature lacks SSHSIG magic")
	}
	var wrapper sshsigWrapper
	if err := ssh.Unmarshal(sig[len(sshsigMagic):], &wrapper); err != nil {
		return fmt.Errorf("identity: malformed ssh signature: %w", err)
	}
	if wrapper.Version != sshsigVersion {
		return fmt.Errorf("identity: unsupported sshsig version %d", wrapper.Version)
	}
	if wrapper.Namespace != namespace {
		return fmt.Errorf("identity: signature namespace %q, want %q", wrapper.Namespace, namespace)
	}
	if wrapper.HashAlgorithm != "sha512" {
		return fmt.Errorf("identity: unsupported hash algorithm %q", wrapper.HashAlgorithm)
	}

	embedded, err := ssh.ParsePublicKey(wrapper.PublicKey)
	if err != nil {
		return fmt.Errorf("identity: malformed embedded public key: %w", err)
	}
	if !bytes.Equal(embedded.Marshal(), pub.Marshal()) {
		return fmt.Errorf("identity: signature key does not match label key")
	}

	var sshSig ssh.Signature
	if err := ssh.Unmarshal(wrapper.Signature, &sshSig); err != nil {
		return fmt.Errorf("identity: malformed inner signature: %w", err)
	}

	return pub.Verify(sshsigSignedData(namespace, payload), &sshSig)
}

func verifySSH(pubKeyLine string, payload, sig []byte) Result {
	if err := VerifySSH(pubKeyLine, SSHNamespace, payload, sig); err != nil {
		return ResultBad
	}
	return ResultOK
}
