package nodeclient

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"

	"github.com/vultisig/sssrecovery/common"
)

// EphemeralKey is a single-use secp256k1 key pair. Nodes encrypt the share
// they return to its public key.
type EphemeralKey struct {
	key *ecdsa.PrivateKey
}

func NewEphemeralKey() (*EphemeralKey, error) {
	for i := 0; i < 8; i++ {
		entropy, err := common.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(entropy)
		common.Wipe(entropy)
		if err == nil {
			return &EphemeralKey{key: key}, nil
		}
	}
	return nil, fmt.Errorf("fail to generate ephemeral key")
}

// PublicKeyHex is the uncompressed public key in hex.
func (e *EphemeralKey) PublicKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&e.key.PublicKey))
}

func (e *EphemeralKey) Decrypt(cipherHex string) ([]byte, error) {
	if e.key == nil {
		return nil, fmt.Errorf("ephemeral key already wiped")
	}
	ct, err := hex.DecodeString(strings.TrimPrefix(cipherHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("fail to decode ciphertext: %w", err)
	}
	plaintext, err := ecies.ImportECDSA(e.key).Decrypt(ct, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to decrypt share: %w", err)
	}
	return plaintext, nil
}

// Wipe destroys the private scalar.
func (e *EphemeralKey) Wipe() {
	if e.key == nil {
		return
	}
	words := e.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	e.key.D.SetInt64(0)
	e.key = nil
}

// EncryptForPublicKey encrypts msg to an uncompressed secp256k1 public key
// given in hex and returns the ciphertext in hex.
func EncryptForPublicKey(publicKeyHex string, msg []byte) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(publicKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("fail to decode public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return "", fmt.Errorf("fail to parse public key: %w", err)
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), msg, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fail to encrypt: %w", err)
	}
	return hex.EncodeToString(ct), nil
}
