package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// VerifyWhatsAppSignature checks an X-Hub-Signature-256 header value
// ("sha256=<hex>") against the HMAC-SHA256 of body keyed by appSecret.
func VerifyWhatsAppSignature(appSecret string, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignWhatsApp returns the header value WhatsApp would send for body.
func SignWhatsApp(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyTelegramSecret checks the X-Telegram-Bot-Api-Secret-Token header.
// An empty configured secret disables the check.
func VerifyTelegramSecret(secret, header string) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(header)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWhatsAppSubscription handles the GET handshake Meta performs when a
// webhook is registered. It returns the challenge to echo back.
func VerifyWhatsAppSubscription(verifyToken, mode, token, challenge string) (string, error) {
	if mode != "subscribe" || verifyToken == "" {
		return "", ErrVerifyTokenDenied
	}
	if subtle.ConstantTimeCompare([]byte(verifyToken), []byte(token)) != 1 {
		return "", ErrVerifyTokenDenied
	}
	return challenge, nil
}
