package voiceai

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook signatures follow the "t=<unix>,v0=<hex hmac>" header scheme: the
// digest is HMAC-SHA256 over "<timestamp>.<raw body>" with the shared
// secret.

var (
	ErrMalformedSignature = errors.New("voiceai: malformed signature header")
	ErrSignatureMismatch  = errors.New("voiceai: signature mismatch")
	ErrSignatureExpired   = errors.New("voiceai: signature timestamp outside tolerance")
)

// VerifySignature checks header against body. Callers decide how hard to
// fail: the webhook contract treats verification as a soft check.
func VerifySignature(secret string, header string, body []byte, now time.Time, tolerance time.Duration) error {
	ts, digest, err := splitSignature(header)
	if err != nil {
		return err
	}

	issued := time.Unix(ts, 0)
	if tolerance > 0 {
		drift := now.Sub(issued)
		if drift < 0 {
			drift = -drift
		}
		if drift > tolerance {
			return ErrSignatureExpired
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(digest)) {
		return ErrSignatureMismatch
	}
	return nil
}

func splitSignature(header string) (ts int64, digest string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", ErrMalformedSignature
			}
		case "v0":
			digest = v
		}
	}
	if ts == 0 || digest == "" {
		return 0, "", ErrMalformedSignature
	}
	return ts, digest, nil
}
