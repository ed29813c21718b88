package hookrelay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>" on every delivery.
	SignatureHeader = "Signature"
	// DefaultMaxSkew is the accepted distance between the signed timestamp and the receiver's clock.
	DefaultMaxSkew = 5 * time.Minute

	signatureVersion = "v1"
)

var (
	ErrMissingSignature       = errors.New("missing signature header")
	ErrMalformedSignature     = errors.New("malformed signature header")
	ErrTimestampOutsideWindow = errors.New("signature timestamp outside tolerance window")
	ErrInvalidSignature       = errors.New("signature mismatch")
)

// Sign returns the Signature header value for payload at the given time.
func Sign(payload []byte, secret string, now time.Time) string {
	ts := now.Unix()
	return "t=" + strconv.FormatInt(ts, 10) + "," + signatureVersion + "=" + hex.EncodeToString(computeMAC(payload, secret, ts))
}

func computeMAC(payload []byte, secret string, ts int64) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Verify reports whether header is a valid signature of payload under secret.
// A maxSkew of zero or less uses DefaultMaxSkew.
func Verify(payload []byte, header, secret string, now time.Time, maxSkew time.Duration) bool {
	return VerifySignature(payload, header, secret, now, maxSkew) == nil
}

// VerifySignature is Verify with the reason for rejection.
func VerifySignature(payload []byte, header, secret string, now time.Time, maxSkew time.Duration) error {
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}

	ts, signatures, ok := parseSignatureHeader(header)
	if !ok {
		return ErrMalformedSignature
	}

	// Compared in whole seconds: subtracting times saturates for extreme timestamps.
	window := int64(maxSkew / time.Second)
	if ts < now.Unix()-window || ts > now.Unix()+window {
		return ErrTimestampOutsideWindow
	}

	expected := computeMAC(payload, secret, ts)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseSignatureHeader accepts comma-separated key=value pairs in any order.
// Unknown keys are skipped and several v1 entries may be present.
func parseSignatureHeader(header string) (int64, [][]byte, bool) {
	var (
		ts         int64
		haveTS     bool
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, nil, false
			}
			ts, haveTS = parsed, true
		case signatureVersion:
			sig, err := hex.DecodeString(value)
			if err != nil || len(sig) != sha256.Size {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if !haveTS || len(signatures) == 0 {
		return 0, nil, false
	}
	return ts, signatures, true
}
