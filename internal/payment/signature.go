package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header the gateway signs webhook bodies into.
const SignatureHeader = "x-gateway-signature"

// SignPayload returns the lowercase hex HMAC-SHA256 of payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of the raw payload.
// The header may carry a "sha256=" prefix and may be hex or base64 encoded.
// Any failure, including an empty secret or header, yields false.
func VerifySignature(payload []byte, header, secret string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if secret == "" {
		return false
	}
	provided := strings.TrimSpace(header)
	if len(provided) >= 7 && strings.EqualFold(provided[:7], "sha256=") {
		provided = strings.TrimSpace(provided[7:])
	}
	if provided == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	digest := mac.Sum(nil)

	candidates := []string{
		hex.EncodeToString(digest),
		base64.StdEncoding.EncodeToString(digest),
		base64.RawStdEncoding.EncodeToString(digest),
		base64.URLEncoding.EncodeToString(digest),
		base64.RawURLEncoding.EncodeToString(digest),
	}
	matched := 0
	for _, c := range candidates {
		matched |= subtle.ConstantTimeCompare([]byte(c), []byte(provided))
	}
	return matched == 1
}
