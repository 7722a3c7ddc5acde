package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSign(t *testing.T) {
	payload := []byte(`{"action":"success"}`)
	sig := Sign("topsecret", payload)

	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature %q missing prefix", sig)
	}

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Fatalf("signature = %q, want %q", sig, want)
	}
}

func TestSignDiffersBySecret(t *testing.T) {
	payload := []byte(`{}`)
	if Sign("a", payload) == Sign("b", payload) {
		t.Fatal("different secrets must produce different signatures")
	}
}

func TestCheckDeliveryURL(t *testing.T) {
	if err := checkDeliveryURL("https://hooks.example.com/loom"); err != nil {
		t.Errorf("public https URL rejected: %v", err)
	}
	for _, bad := range []string{
		"ftp://example.com/x",
		"http://127.0.0.1/hook",
		"http://10.1.2.3/hook",
		"http://192.168.1.1/hook",
		"http://169.254.169.254/latest",
		"http://[::1]/hook",
	} {
		if err := checkDeliveryURL(bad); err == nil {
			t.Errorf("URL %q must be blocked", bad)
		}
	}
}
