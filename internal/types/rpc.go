package types

import (
	"encoding/json"
	"fmt"
)

const JSONRPCVersion = "2.0"

const (
	MethodShares       = "shares"
	MethodShareRequest = "shareRequest"
	MethodShareCreate  = "shareCreate"
	MethodGetMetadata  = "getMetadata"
	MethodSetMetadata  = "setMetadata"
)

const (
	RPCCodeParseError     = -32700
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeInternal       = -32603
	RPCCodeNotFound       = -32004
	RPCCodeUnauthorized   = -32001
)

type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// SharesRequest asks the coordinator for the node directory of an identity.
type SharesRequest struct {
	VerifierName string `json:"verifier_name"`
	VerifierID   string `json:"verifier_id"`
	Token        string `json:"token"`
	ForceReset   bool   `json:"force_reset"`
}

func (req *SharesRequest) IsValid() error {
	if req.VerifierName == "" {
		return fmt.Errorf("verifier_name is required")
	}
	if req.VerifierID == "" {
		return fmt.Errorf("verifier_id is required")
	}
	if req.Token == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// SharesResponse lists the nodes as [endpoint, share_index] pairs.
type SharesResponse struct {
	IsNew     bool        `json:"is_new"`
	Nodes     [][2]string `json:"nodes"`
	Threshold int         `json:"threshold,omitempty"`
}

type ShareRequest struct {
	VerifierName       string `json:"verifier_name"`
	VerifierID         string `json:"verifier_id"`
	Token              string `json:"token"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
}

func (req *ShareRequest) IsValid() error {
	if req.VerifierName == "" {
		return fmt.Errorf("verifier_name is required")
	}
	if req.VerifierID == "" {
		return fmt.Errorf("verifier_id is required")
	}
	if req.Token == "" {
		return fmt.Errorf("token is required")
	}
	if req.EphemeralPublicKey != "" && !IsValidHexString(req.EphemeralPublicKey) {
		return fmt.Errorf("ephemeral_public_key is not valid")
	}
	return nil
}

// ShareResponse carries the node's share. When Encrypted is set HexShare is
// an ECIES ciphertext for the ephemeral public key of the request.
type ShareResponse struct {
	ShareIndex string `json:"share_index"`
	HexShare   string `json:"hex_share"`
	Encrypted  bool   `json:"encrypted"`
}

type ShareCreateRequest struct {
	VerifierName     string `json:"verifier_name"`
	VerifierID       string `json:"verifier_id"`
	Token            string `json:"token"`
	AccountPublicKey string `json:"account_public_key"`
	NewHexShare      string `json:"new_hex_share"`
}

func (req *ShareCreateRequest) IsValid() error {
	if req.VerifierName == "" {
		return fmt.Errorf("verifier_name is required")
	}
	if req.VerifierID == "" {
		return fmt.Errorf("verifier_id is required")
	}
	if req.Token == "" {
		return fmt.Errorf("token is required")
	}
	if !IsValidHexString(req.NewHexShare) {
		return fmt.Errorf("new_hex_share is not valid")
	}
	return nil
}

type ShareCreateResponse struct {
	HexShare string `json:"hex_share"`
}

type GetMetadataRequest struct {
	Key   string `json:"key"`
	Field string `json:"field"`
}

func (req *GetMetadataRequest) IsValid() error {
	if !IsValidHexString(req.Key) {
		return fmt.Errorf("key is not valid")
	}
	if req.Field == "" {
		return fmt.Errorf("field is required")
	}
	return nil
}

type GetMetadataResponse struct {
	Value json.RawMessage `json:"value"`
}

// SetMetadataRequest is signed by the private key behind Key.
type SetMetadataRequest struct {
	Key       string          `json:"key"`
	Field     string          `json:"field"`
	Value     json.RawMessage `json:"value"`
	Signature string          `json:"signature"`
}

func (req *SetMetadataRequest) IsValid() error {
	if !IsValidHexString(req.Key) {
		return fmt.Errorf("key is not valid")
	}
	if req.Field == "" {
		return fmt.Errorf("field is required")
	}
	if len(req.Value) == 0 {
		return fmt.Errorf("value is required")
	}
	if !IsValidHexString(req.Signature) {
		return fmt.Errorf("signature is not valid")
	}
	return nil
}

type SetMetadataResponse struct {
	OK bool `json:"ok"`
}

// IssueTokenRequest asks the custom verifier for an id-token.
type IssueTokenRequest struct {
	Email string `json:"email"`
}

func (req *IssueTokenRequest) IsValid() error {
	if req.Email == "" {
		return fmt.Errorf("email is required")
	}
	return nil
}

type IssueTokenResponse struct {
	IDToken string `json:"id_token"`
}
