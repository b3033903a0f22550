package webhook

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"event":"execution.status","execution_id":"exec_1"}`)

	sig := Sign(secret, body)
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}
	if !VerifySignature(secret, sig, body) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifySignatureCaseInsensitive(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"a":1}`)

	sig := strings.ToUpper(Sign(secret, body))
	if !VerifySignature(secret, sig, body) {
		t.Fatal("expected upper-cased hex signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "topsecret"
	sig := Sign(secret, []byte(`{"a":1}`))

	if VerifySignature(secret, sig, []byte(`{"a":2}`)) {
		t.Fatal("expected tampered body to fail verification")
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("secret-a", body)

	if VerifySignature("secret-b", sig, body) {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestVerifySignatureRejectsEmpty(t *testing.T) {
	if VerifySignature("secret", "", []byte(`{}`)) {
		t.Fatal("expected missing signature to fail verification")
	}
}
