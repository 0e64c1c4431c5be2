// Package crypto holds the primitives behind credential issuance: secret
// generation, hashing for lookup, and reversible encryption for the one-time
// reveal at issue and rotation time.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrDecrypt is returned when a ciphertext cannot be decrypted, whether it
// was tampered with, truncated, or produced under a different key.
var ErrDecrypt = errors.New("decryption failed")

// SecretLength is the length of a generated secret in hex characters.
const SecretLength = 32

// GenerateSecret produces a new API key secret: 32 random bytes mixed with
// the current timestamp and reduced through SHA-256, truncated to a fixed
// 32-character hex string.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	h := sha256.New()
	h.Write(buf)
	h.Write([]byte(time.Now().UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))[:SecretLength], nil
}

// HashSecret returns the hex-encoded SHA-256 digest of a raw secret. The
// digest serves purely as a lookup key and is never reversed.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Encryptor performs AES-256-CBC encryption with PKCS#7 padding under a
// single process-wide key. Changing the passphrase invalidates every
// ciphertext stored under the old one.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives a 32-byte AES key from the configured passphrase.
func NewEncryptor(passphrase string) *Encryptor {
	key := sha256.Sum256([]byte(passphrase))
	return &Encryptor{key: key[:]}
}

// Encrypt returns base64(iv || AES-CBC(pkcs7(plaintext))) with a fresh
// random IV per call.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It returns ErrDecrypt on malformed input,
// invalid padding, or a ciphertext encrypted under a different key.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	iv, body := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)

	unpadded, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return "", ErrDecrypt
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
