package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidSignature is returned for Clerk deliveries that fail Svix verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

const svixSecretPrefix = "whsec_"

// SvixHeaders are the svix-id, svix-timestamp and svix-signature request headers.
type SvixHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifySvix checks a Svix signed delivery. Signature holds space separated
// "v1,<base64>" entries; any one matching is enough.
func VerifySvix(payload []byte, h SvixHeaders, secret string, tolerance time.Duration, now time.Time) error {
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return err
	}
	if h.ID == "" || h.Timestamp == "" || h.Signature == "" {
		return fmt.Errorf("%w: missing svix headers", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if tolerance > 0 && age > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := svixSign(key, h.ID, h.Timestamp, payload)
	for _, entry := range strings.Fields(h.Signature) {
		version, sig, ok := strings.Cut(entry, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignSvix builds the svix-signature value for a delivery. Used by tests and local tooling.
func SignSvix(payload []byte, id, timestamp, secret string) (string, error) {
	key, err := decodeSvixSecret(secret)
	if err != nil {
		return "", err
	}
	return "v1," + base64.StdEncoding.EncodeToString(svixSign(key, id, timestamp, payload)), nil
}

func decodeSvixSecret(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, svixSecretPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: webhook secret is not base64", ErrInvalidSignature)
	}
	return key, nil
}

func svixSign(key []byte, id, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id + "." + timestamp + "."))
	mac.Write(payload)
	return mac.Sum(nil)
}
