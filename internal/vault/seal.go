package vault

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// sealedPrefix marks config values that hold an encrypted token instead of a
// plain one.
const sealedPrefix = "sealed:"

// SealString encrypts a secret into a single config-friendly string:
// sealed:<base64(nonce || ciphertext)>.
func (v *Vault) SealString(plaintext string) (string, error) {
	ciphertext, nonce, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	blob := append(nonce, ciphertext...)
	return sealedPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// OpenString reverses SealString.
func (v *Vault) OpenString(sealed string) (string, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedPrefix)
	if !ok {
		return "", fmt.Errorf("value is not sealed")
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	// 12-byte GCM nonce prefixes the ciphertext
	if len(blob) < 12 {
		return "", fmt.Errorf("sealed value too short")
	}

	plaintext, err := v.Decrypt(blob[12:], blob[:12])
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsSealed reports whether a config value needs opening before use.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}

// MaybeOpen opens sealed config values and passes plain ones through.
func (v *Vault) MaybeOpen(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return v.OpenString(value)
}
