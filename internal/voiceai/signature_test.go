package voiceai

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

func signBody(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v0=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"post_call_transcription"}`)
	now := time.Unix(1700000000, 0).UTC()
	header := signBody("secret", now.Unix(), body)

	if err := VerifySignature("secret", header, body, now, 30*time.Minute); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifySignatureMismatch(t *testing.T) {
	body := []byte(`{"a":1}`)
	now := time.Unix(1700000000, 0).UTC()
	header := signBody("other-secret", now.Unix(), body)

	if err := VerifySignature("secret", header, body, now, 0); err != ErrSignatureMismatch {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	header := signBody("secret", now.Unix(), []byte(`{"a":1}`))

	if err := VerifySignature("secret", header, []byte(`{"a":2}`), now, 0); err != ErrSignatureMismatch {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifySignatureDriftTolerance(t *testing.T) {
	body := []byte(`{}`)
	issued := time.Unix(1700000000, 0).UTC()
	header := signBody("secret", issued.Unix(), body)

	// Inside tolerance, both past and future.
	for _, now := range []time.Time{issued.Add(10 * time.Minute), issued.Add(-10 * time.Minute)} {
		if err := VerifySignature("secret", header, body, now, 30*time.Minute); err != nil {
			t.Fatalf("drift %v rejected: %v", now.Sub(issued), err)
		}
	}

	if err := VerifySignature("secret", header, body, issued.Add(time.Hour), 30*time.Minute); err != ErrSignatureExpired {
		t.Fatalf("expected ErrSignatureExpired, got %v", err)
	}
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	for _, header := range []string{
		"",
		"v0=abc",
		"t=1700000000",
		"t=notanumber,v0=abc",
		"garbage",
	} {
		if err := VerifySignature("secret", header, []byte("{}"), now, 0); err != ErrMalformedSignature {
			t.Fatalf("header %q: expected ErrMalformedSignature, got %v", header, err)
		}
	}
}
