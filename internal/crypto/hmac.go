package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Request signing headers accepted by the API server.
const (
	HeaderTimestamp = "X-Flashguard-Timestamp"
	HeaderSignature = "X-Flashguard-Signature"
)

var (
	ErrSignatureMissing = errors.New("crypto: request signature missing")
	ErrSignatureStale   = errors.New("crypto: request timestamp outside allowed skew")
	ErrSignatureInvalid = errors.New("crypto: request signature invalid")
)

// RequestSigner signs and verifies API requests as
// hex(HMAC-SHA256(secret, timestamp + method + path + body)).
type RequestSigner struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

// NewRequestSigner creates a signer. Requests whose timestamp differs from
// the local clock by more than skew are rejected.
func NewRequestSigner(secret string, skew time.Duration) *RequestSigner {
	if skew <= 0 {
		skew = 30 * time.Second
	}
	return &RequestSigner{secret: []byte(secret), skew: skew, now: time.Now}
}

// Headers returns the signing headers for a request sent at ts.
func (s *RequestSigner) Headers(method, path string, body []byte, ts time.Time) map[string]string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return map[string]string{
		HeaderTimestamp: unix,
		HeaderSignature: s.sign(unix, method, path, body),
	}
}

// Verify checks a received signature.
func (s *RequestSigner) Verify(method, path string, body []byte, timestamp, signature string) error {
	if timestamp == "" || signature == "" {
		return ErrSignatureMissing
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	diff := s.now().Sub(time.Unix(unix, 0))
	if diff > s.skew || diff < -s.skew {
		return ErrSignatureStale
	}
	want := s.sign(timestamp, method, path, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (s *RequestSigner) sign(ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
