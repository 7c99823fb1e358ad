package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
)

// Sign computes the API-Sign header of a private REST call:
// base64(HMAC-SHA512(path + SHA256(nonce + postdata), base64decode(secret))).
// params must already contain the nonce; they are encoded exactly as the
// request body is.
func Sign(path string, params url.Values, secret string, nonce string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("invalid api secret: %w", err)
	}

	sha := sha256.New()
	sha.Write([]byte(nonce + params.Encode()))
	digest := sha.Sum(nil)

	mac := hmac.New(sha512.New, key)
	mac.Write(append([]byte(path), digest...))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
