package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ShareNode is an entry of the node directory.
type ShareNode struct {
	Endpoint   string `json:"endpoint"`
	ShareIndex string `json:"share_index"`
}

// NodeDirectory is the coordinator's answer for an identity.
type NodeDirectory struct {
	IsNew     bool
	Nodes     []ShareNode
	Threshold int
}

// EncryptedShare is a share as delivered by a node. Value is the hex of the
// share once decrypted.
type EncryptedShare struct {
	Index string `json:"share_index"`
	Value string `json:"hex_share"`
}

// WalletShare is a point of the wallet polynomial kept on device or in cloud.
type WalletShare struct {
	Share      string `json:"share"`
	ShareIndex string `json:"share_index"`
}

func (s *WalletShare) IsValid() error {
	if !IsValidHexString(s.Share) {
		return fmt.Errorf("share is not valid")
	}
	if !IsValidHexString(s.ShareIndex) {
		return fmt.Errorf("share_index is not valid")
	}
	return nil
}

// WalletInfo is stored in the metadata service under the social key and
// names the wallet-polynomial index of the social share.
type WalletInfo struct {
	ShareIndex string `json:"share_index"`
	Address    string `json:"address"`
}

func (w *WalletInfo) IsValid() error {
	if !IsValidHexString(w.ShareIndex) {
		return fmt.Errorf("share_index is not valid")
	}
	if w.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

// WalletAccountBinding associates an account with where its shares live.
// AccountPublicKey is the compressed public key sent to the nodes with
// every share of the account.
type WalletAccountBinding struct {
	AccountID        string       `json:"account_id"`
	AccountPublicKey string       `json:"account_public_key,omitempty"`
	LocalShareRef    string       `json:"local_share_ref"`
	CloudShareRef    string       `json:"cloud_share_ref,omitempty"`
	CloudProvider    string       `json:"cloud_provider,omitempty"`
	VerifierKind     VerifierKind `json:"verifier_kind"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NormalizeAccount lowercases an address and makes sure it carries 0x.
func NormalizeAccount(account string) string {
	account = strings.ToLower(strings.TrimSpace(account))
	if account != "" && !strings.HasPrefix(account, "0x") {
		account = "0x" + account
	}
	return account
}

func IsValidHexString(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if s == "" {
		return false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
