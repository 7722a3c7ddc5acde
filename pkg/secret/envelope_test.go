package secret

import (
	"strings"
	"testing"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(testKey)
	if err != nil {
		t.Fatalf("creating envelope: %v", err)
	}

	ct, err := env.Seal("s3cret-value")
	if err != nil {
		t.Fatalf("sealing: %v", err)
	}
	if strings.Contains(string(ct), "s3cret-value") {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	pt, err := env.Open(ct)
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	if pt != "s3cret-value" {
		t.Fatalf("round trip = %q", pt)
	}
}

func TestEnvelopeUniqueNonces(t *testing.T) {
	env, _ := NewEnvelope(testKey)
	a, _ := env.Seal("same")
	b, _ := env.Seal("same")
	if string(a) == string(b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestEnvelopeRejectsBadKey(t *testing.T) {
	if _, err := NewEnvelope("deadbeef"); err == nil {
		t.Fatal("short key must be rejected")
	}
	if _, err := NewEnvelope("zz"); err == nil {
		t.Fatal("non-hex key must be rejected")
	}
}

func TestEnvelopeRejectsTamperedCiphertext(t *testing.T) {
	env, _ := NewEnvelope(testKey)
	ct, _ := env.Seal("value")
	ct[len(ct)-1] ^= 0xff
	if _, err := env.Open(ct); err == nil {
		t.Fatal("tampered ciphertext must not decrypt")
	}
}
