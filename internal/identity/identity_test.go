package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitLabel(t *testing.T) {
	scheme, value, err := SplitLabel("gpg:ABC123")
	if err != nil || scheme != "gpg" || value != "ABC123" {
		t.Fatalf("SplitLabel(gpg:ABC123) = %q %q %v", scheme, value, err)
	}

	line := "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIMockKey user@host"
	scheme, value, err = SplitLabel("ssh:" + line)
	if err != nil || scheme != "ssh" || value != line {
		t.Fatalf("ssh label did not round-trip: %q %q %v", scheme, value, err)
	}

	if _, _, err := SplitLabel("no-scheme"); err == nil {
		t.Error("expected error for label without scheme")
	}
	if _, _, err := SplitLabel(""); err == nil {
		t.Error("expected error for empty label")
	}
}

func TestGeneratedSigner_SignVerify(t *testing.T) {
	dir := t.TempDir()
	signer, err := New(Config{Mode: ModeGenerated, DataDir: dir})
	if err != nil {
		t.Fatalf("New(generated): %v", err)
	}

	label := signer.Identity()
	if !strings.HasPrefix(label, "ssh:ssh-ed25519 ") {
		t.Fatalf("unexpected generated label: %q", label)
	}

	payload := []byte("hello huddle")
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if got := Verify(label, payload, sig); got != ResultOK {
		t.Errorf("Verify own signature = %s, want ok", got)
	}
	if got := Verify(label, []byte("tampered"), sig); got != ResultBad {
		t.Errorf("Verify tampered payload = %s, want bad", got)
	}
	if got := Verify(label, payload, sig[:len(sig)-4]); got != ResultBad {
		t.Errorf("Verify truncated signature = %s, want bad", got)
	}
}

func TestGeneratedSigner_PersistsKey(t *testing.T) {
	dir := t.TempDir()
	s1, err := New(Config{Mode: ModeGenerated, DataDir: dir})
	if err != nil {
		t.Fatalf("first New(generated): %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, KeyFileName)); err != nil {
		t.Fatalf("expected %s in data dir: %v", KeyFileName, err)
	}

	s2, err := New(Config{Mode: ModeGenerated, DataDir: dir})
	if err != nil {
		t.Fatalf("second New(generated): %v", err)
	}
	if s1.Identity() != s2.Identity() {
		t.Errorf("generated identity not stable: %q vs %q", s1.Identity(), s2.Identity())
	}
}

func TestNoneSigner(t *testing.T) {
	signer, err := New(Config{Mode: ModeNone})
	if err != nil {
		t.Fatalf("New(none): %v", err)
	}
	if !strings.HasPrefix(signer.Identity(), "none:") {
		t.Errorf("unexpected none label: %q", signer.Identity())
	}
	if signer.Identity() != signer.Identity() {
		t.Error("none label must be stable for process lifetime")
	}
	if _, err := signer.Sign([]byte("x")); err != ErrUnavailable {
		t.Errorf("Sign = %v, want ErrUnavailable", err)
	}
	// A none label can never verify.
	if got := Verify(signer.Identity(), []byte("x"), []byte("y")); got != ResultUnsupported {
		t.Errorf("Verify(none:...) = %s, want unsupported", got)
	}
}

func TestVerify_UnknownScheme(t *testing.T) {
	if got := Verify("x509:foo", []byte("x"), []byte("y")); got != ResultUnsupported {
		t.Errorf("Verify(x509:...) = %s, want unsupported", got)
	}
	if got := Verify("garbage", []byte("x"), []byte("y")); got != ResultUnsupported {
		t.Errorf("Verify(garbage) = %s, want unsupported", got)
	}
}

func TestVerify_CrossSigner(t *testing.T) {
	// Two independent generated identities: each rejects the other's
	// signature but accepts its own.
	a, err := New(Config{Mode: ModeGenerated, DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(Config{Mode: ModeGenerated, DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	payload := []byte("shared payload")
	sigA, err := a.Sign(payload)
	if err != nil {
		t.Fatal(err)
	}

	if got := Verify(a.Identity(), payload, sigA); got != ResultOK {
		t.Errorf("a verifying a = %s", got)
	}
	if got := Verify(b.Identity(), payload, sigA); got != ResultBad {
		t.Errorf("b's label verifying a's signature = %s, want bad", got)
	}
}
