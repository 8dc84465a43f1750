package nodeclient

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
)

// MetadataClient reads and writes small JSON records keyed by a public key.
// Writes are signed by the matching private key.
type MetadataClient struct {
	rpcClient
	url string
}

func NewMetadataClient(url string, timeout time.Duration, logger *logrus.Logger) *MetadataClient {
	return &MetadataClient{
		rpcClient: newRPCClient(timeout, logger),
		url:       url,
	}
}

// MetadataKey is the compressed public key of key, in hex.
func MetadataKey(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))
}

// GetValue decodes the record stored at field into out. A missing record
// yields types.ErrNotFound.
func (m *MetadataClient) GetValue(ctx context.Context, key *ecdsa.PrivateKey, field string, out any) error {
	req := types.GetMetadataRequest{
		Key:   MetadataKey(key),
		Field: field,
	}
	var resp types.GetMetadataResponse
	if err := m.call(ctx, m.url, types.MethodGetMetadata, req, &resp); err != nil {
		return err
	}
	if len(resp.Value) == 0 || bytes.Equal(resp.Value, []byte("null")) {
		return types.ErrNotFound
	}
	if err := json.Unmarshal(resp.Value, out); err != nil {
		return fmt.Errorf("fail to decode metadata %s: %w", field, err)
	}
	return nil
}

func (m *MetadataClient) SetValue(ctx context.Context, key *ecdsa.PrivateKey, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("fail to encode metadata %s: %w", field, err)
	}
	pub := MetadataKey(key)
	sig, err := crypto.Sign(MetadataDigest(pub, field, raw), key)
	if err != nil {
		return fmt.Errorf("fail to sign metadata: %w", err)
	}
	req := types.SetMetadataRequest{
		Key:       pub,
		Field:     field,
		Value:     raw,
		Signature: hex.EncodeToString(sig),
	}
	var resp types.SetMetadataResponse
	if err := m.call(ctx, m.url, types.MethodSetMetadata, req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("metadata service rejected %s", field)
	}
	return nil
}

// MetadataDigest is the Keccak256 hash signed for a metadata write.
func MetadataDigest(key, field string, value []byte) []byte {
	return crypto.Keccak256([]byte(strings.ToLower(key)), []byte(field), value)
}

// VerifyMetadataSignature checks that sigHex was produced by the private key
// behind the compressed public key keyHex.
func VerifyMetadataSignature(keyHex, field string, value []byte, sigHex string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("fail to decode signature: %w", err)
	}
	pub, err := crypto.SigToPub(MetadataDigest(keyHex, field, value), sig)
	if err != nil {
		return fmt.Errorf("fail to recover signer: %w", err)
	}
	if hex.EncodeToString(crypto.CompressPubkey(pub)) != strings.ToLower(strings.TrimPrefix(keyHex, "0x")) {
		return fmt.Errorf("signature does not match key")
	}
	return nil
}
