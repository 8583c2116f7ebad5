package agui

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const signatureLen = 32

// CreateDeviceToken signs deviceID as base64url(id) "." first 32 hex chars
// of HMAC-SHA256(secret, id).
func CreateDeviceToken(secret, deviceID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(deviceID)) + "." + sign(secret, deviceID)
}

// VerifyDeviceToken returns the device id carried by token when the
// signature matches and the id is a UUID.
func VerifyDeviceToken(token, secret string) (string, bool) {
	dot := strings.IndexByte(token, '.')
	if dot <= 0 || dot >= len(token)-1 {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token[:dot], "="))
	if err != nil {
		return "", false
	}
	deviceID := string(raw)
	if !isUUID(deviceID) {
		return "", false
	}

	provided := token[dot+1:]
	expected := sign(secret, deviceID)
	if len(provided) != len(expected) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
		return "", false
	}
	return deviceID, true
}

func sign(secret, deviceID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil))[:signatureLen]
}

// isUUID accepts only the hyphenated 36-character form.
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
