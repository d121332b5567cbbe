package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newTestKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestFingerprintDeterministic(t *testing.T) {
	key := newTestKey(t)
	a := Fingerprint(key)
	b := Fingerprint(key)
	if a != b {
		t.Fatalf("expected deterministic fingerprint")
	}
	if !strings.HasPrefix(a, "SHA256:") {
		t.Fatalf("expected SHA256 prefix, got %q", a)
	}
	if Fingerprint(newTestKey(t)) == a {
		t.Fatalf("expected distinct keys to differ")
	}
}

func TestFingerprintEquals(t *testing.T) {
	if !FingerprintEquals("SHA256:abc", "SHA256:abc") {
		t.Fatalf("expected equal fingerprints")
	}
	if FingerprintEquals("SHA256:abc", "SHA256:abd") {
		t.Fatalf("expected non-equal fingerprints")
	}
	if FingerprintEquals("SHA256:abc", "SHA256:ab") {
		t.Fatalf("expected length mismatch to differ")
	}
}

func TestParseAuthorizedKey(t *testing.T) {
	key := newTestKey(t)
	fp, err := ParseAuthorizedKey(ssh.MarshalAuthorizedKey(key))
	if err != nil {
		t.Fatal(err)
	}
	if fp != Fingerprint(key) {
		t.Fatalf("got %q, want %q", fp, Fingerprint(key))
	}
	if _, err := ParseAuthorizedKey([]byte("not a key")); err == nil {
		t.Fatalf("expected parse error")
	}
}
