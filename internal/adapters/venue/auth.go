package venue

// auth.go: firma de peticiones del broker.
//
// Cada petición autenticada lleva:
//   EXG-API-KEY    la api key del tenant
//   EXG-TIMESTAMP  unix seconds
//   EXG-SIGNATURE  base64(HMAC-SHA256(secret_key, ts + METHOD + path + body))

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"strings"
	"time"
)

const (
	headerAPIKey    = "EXG-API-KEY"
	headerTimestamp = "EXG-TIMESTAMP"
	headerSignature = "EXG-SIGNATURE"

	redacted = "[REDACTED]"
)

type signer struct {
	apiKey    string
	secretKey []byte
}

func newSigner(apiKey, secretKey string) *signer {
	return &signer{apiKey: apiKey, secretKey: []byte(secretKey)}
}

func (s *signer) headers(method, path string, body []byte, now time.Time) map[string]string {
	ts := strconv.FormatInt(now.Unix(), 10)
	return map[string]string{
		headerAPIKey:    s.apiKey,
		headerTimestamp: ts,
		headerSignature: Sign(s.secretKey, ts, method, path, body),
	}
}

// redact elimina de msg la api key y el secret de la sesión.
func (s *signer) redact(msg string) string {
	if s.apiKey != "" {
		msg = strings.ReplaceAll(msg, s.apiKey, redacted)
	}
	if len(s.secretKey) > 0 {
		msg = strings.ReplaceAll(msg, string(s.secretKey), redacted)
	}
	return msg
}

func (s *signer) wipe() {
	for i := range s.secretKey {
		s.secretKey[i] = 0
	}
	s.apiKey = ""
}

// Sign calcula la firma HMAC de una petición.
func Sign(secret []byte, ts, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts + strings.ToUpper(method) + path))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
