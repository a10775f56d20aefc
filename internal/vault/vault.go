package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for the key derivation. Changing these invalidates
// every token sealed with earlier values.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	keyLen     = 32
)

// Vault encrypts the bearer tokens the gateway carries in its config so they
// can live sealed at rest. AES-256-GCM, keyed from the operator passphrase.
type Vault struct {
	key []byte
}

// New derives the AES key from the passphrase with Argon2id. The salt is the
// passphrase's own SHA-256, so the same passphrase yields the same key across
// restarts; tokens sealed on one host open on another with the passphrase.
func New(passphrase string) *Vault {
	salt := sha256.Sum256([]byte(passphrase))
	return &Vault{
		key: argon2.IDKey([]byte(passphrase), salt[:16], kdfTime, kdfMemory, kdfThreads, keyLen),
	}
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is returned
// alongside the ciphertext; both are needed to decrypt.
func (v *Vault) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong passphrase or a
// tampered token fails authentication here.
func (v *Vault) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
