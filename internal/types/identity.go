package types

import (
	"fmt"
	"strings"
)

// VerifierKind names the identity provider used to authenticate a user.
type VerifierKind string

const (
	VerifierGoogle VerifierKind = "google"
	VerifierApple  VerifierKind = "apple"
	VerifierCustom VerifierKind = "custom"
)

func ParseVerifierKind(s string) (VerifierKind, error) {
	switch k := VerifierKind(strings.ToLower(strings.TrimSpace(s))); k {
	case VerifierGoogle, VerifierApple, VerifierCustom:
		return k, nil
	default:
		return "", fmt.Errorf("unknown verifier kind %q", s)
	}
}

// Identity is the credential bundle returned by an identity adapter.
type Identity struct {
	Kind         VerifierKind `json:"kind"`
	VerifierName string       `json:"verifier_name"`
	VerifierID   string       `json:"verifier_id"`
	Token        string       `json:"token"`
}

func (i *Identity) IsValid() error {
	if i.VerifierName == "" {
		return fmt.Errorf("verifier_name is required")
	}
	if i.VerifierID == "" {
		return fmt.Errorf("verifier_id is required")
	}
	if i.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// Key identifies the identity across nodes and stores.
func (i Identity) Key() string {
	return fmt.Sprintf("%s-%s", i.VerifierName, strings.ToLower(i.VerifierID))
}
