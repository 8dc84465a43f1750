package common

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize         = 16
	pbkdf2Iterations = 100000
	keySize          = 32
)

// EncryptWithPasscode seals src with AES-256-GCM under a key derived from the
// passcode. The output is base64(salt || nonce || ciphertext).
func EncryptWithPasscode(passcode string, src []byte) (string, error) {
	if passcode == "" {
		return "", fmt.Errorf("passcode is required")
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("fail to generate salt: %w", err)
	}
	gcm, key, err := newGCM(passcode, salt)
	if err != nil {
		return "", err
	}
	defer Wipe(key)

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("fail to generate nonce: %w", err)
	}
	out := make([]byte, 0, saltSize+len(nonce)+len(src)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, src, salt)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptWithPasscode reverses EncryptWithPasscode. A wrong passcode fails
// authentication.
func DecryptWithPasscode(passcode string, src string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(src)
	if err != nil {
		return nil, fmt.Errorf("fail to decode ciphertext: %w", err)
	}
	if len(raw) < saltSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt := raw[:saltSize]
	gcm, key, err := newGCM(passcode, salt)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(passcode string, salt []byte) (cipher.AEAD, []byte, error) {
	key := pbkdf2.Key([]byte(passcode), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to create gcm: %w", err)
	}
	return gcm, key, nil
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("fail to generate entropy: %w", err)
	}
	return buf, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
