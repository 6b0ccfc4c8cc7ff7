package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Standard Webhooks header names used by Polar.
const (
	HeaderWebhookID        = "webhook-id"
	HeaderWebhookTimestamp = "webhook-timestamp"
	HeaderWebhookSignature = "webhook-signature"
)

const (
	webhookSecretPrefix = "whsec_"
	webhookTolerance    = 5 * time.Minute
)

// WebhookHeaders carries the signature headers of one delivery.
type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
}

// VerifyWebhookSignature checks a Standard Webhooks signature: the header
// holds space-separated "v1,<base64>" entries, each an HMAC-SHA256 over
// "id.timestamp.body". A "whsec_" secret is base64 after the prefix;
// any other secret is used as raw bytes.
func VerifyWebhookSignature(payload []byte, h WebhookHeaders, secret string, now time.Time) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrMisconfigured
	}
	id := strings.TrimSpace(h.ID)
	ts := strings.TrimSpace(h.Timestamp)
	sigHeader := strings.TrimSpace(h.Signature)
	if id == "" || ts == "" || sigHeader == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(sec, 0)
	if now.Sub(sent) > webhookTolerance || sent.Sub(now) > webhookTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	key, err := webhookKey(secret)
	if err != nil {
		return ErrMisconfigured
	}
	expected := SignWebhook(key, id, ts, payload)

	for _, part := range strings.Fields(sigHeader) {
		version, sig, ok := strings.Cut(part, ",")
		if !ok || version != "v1" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(decoded, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignWebhook computes the raw v1 signature for a delivery.
func SignWebhook(key []byte, id, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(id))
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignatureHeader formats a webhook-signature value for key.
func SignatureHeader(secret, id, timestamp string, payload []byte) (string, error) {
	key, err := webhookKey(secret)
	if err != nil {
		return "", err
	}
	return "v1," + base64.StdEncoding.EncodeToString(SignWebhook(key, id, timestamp, payload)), nil
}

func webhookKey(secret string) ([]byte, error) {
	if strings.HasPrefix(secret, webhookSecretPrefix) {
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, webhookSecretPrefix))
	}
	return []byte(secret), nil
}
