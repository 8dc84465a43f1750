// Package nodeclient talks to the share coordinator, the share nodes and the
// metadata service over JSON-RPC.
package nodeclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
)

// ZeroShare is pushed to nodes to overwrite a share on deletion.
const ZeroShare = "0x0000000000000000000000000000000000000000000000000000000000000000"

type Client struct {
	rpcClient
	directoryURL string
}

func NewClient(directoryURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		rpcClient:    newRPCClient(timeout, logger),
		directoryURL: directoryURL,
	}
}

// NodeFailure tags an error with the node it came from.
type NodeFailure struct {
	Endpoint string
	Err      error
}

func (f *NodeFailure) Error() string {
	return fmt.Sprintf("node %s: %s", f.Endpoint, f.Err)
}

func (f *NodeFailure) Unwrap() error {
	return f.Err
}

// NodeResult is the outcome of one node call in a fan-out. Exactly one of
// Share and Err is meaningful.
type NodeResult struct {
	Node  types.ShareNode
	Share types.EncryptedShare
	Err   error
}

func (r NodeResult) OK() bool {
	return r.Err == nil
}

// Push is one share destined for one node.
type Push struct {
	Node             types.ShareNode
	AccountPublicKey string
	HexShare         string
}

// ListNodes asks the coordinator which nodes hold shares for identity.
func (c *Client) ListNodes(ctx context.Context, identity types.Identity, forceReset bool) (*types.NodeDirectory, error) {
	req := types.SharesRequest{
		VerifierName: identity.VerifierName,
		VerifierID:   identity.VerifierID,
		Token:        identity.Token,
		ForceReset:   forceReset,
	}
	if err := req.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrNoNodesAvailable, err)
	}
	var resp types.SharesResponse
	if err := c.call(ctx, c.directoryURL, types.MethodShares, req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrNoNodesAvailable, err)
	}
	dir := &types.NodeDirectory{
		IsNew:     resp.IsNew,
		Threshold: resp.Threshold,
	}
	for _, n := range resp.Nodes {
		if n[0] == "" || !types.IsValidHexString(n[1]) {
			c.logger.WithFields(logrus.Fields{
				"endpoint": n[0],
				"index":    n[1],
			}).Warn("Skipping malformed directory entry")
			continue
		}
		dir.Nodes = append(dir.Nodes, types.ShareNode{Endpoint: n[0], ShareIndex: n[1]})
	}
	if len(dir.Nodes) == 0 {
		return nil, types.ErrNoNodesAvailable
	}
	return dir, nil
}

// FetchShare requests the node's share, encrypted to the ephemeral key when
// one is given.
func (c *Client) FetchShare(ctx context.Context, node types.ShareNode, identity types.Identity, ephemeral *EphemeralKey) (types.EncryptedShare, error) {
	req := types.ShareRequest{
		VerifierName: identity.VerifierName,
		VerifierID:   identity.VerifierID,
		Token:        identity.Token,
	}
	if ephemeral != nil {
		req.EphemeralPublicKey = ephemeral.PublicKeyHex()
	}
	var resp types.ShareResponse
	if err := c.call(ctx, node.Endpoint, types.MethodShareRequest, req, &resp); err != nil {
		return types.EncryptedShare{}, err
	}

	value := resp.HexShare
	if resp.Encrypted {
		if ephemeral == nil {
			return types.EncryptedShare{}, fmt.Errorf("node returned an encrypted share without ephemeral key")
		}
		plaintext, err := ephemeral.Decrypt(resp.HexShare)
		if err != nil {
			return types.EncryptedShare{}, err
		}
		value = string(plaintext)
	}
	if !types.IsValidHexString(value) {
		return types.EncryptedShare{}, fmt.Errorf("node returned a malformed share")
	}

	index := node.ShareIndex
	if resp.ShareIndex != "" && !sameHex(resp.ShareIndex, node.ShareIndex) {
		return types.EncryptedShare{}, fmt.Errorf("share index mismatch, directory %s, node %s", node.ShareIndex, resp.ShareIndex)
	}
	return types.EncryptedShare{Index: index, Value: value}, nil
}

// PushShare stores a share on a node and returns the value the node echoes.
func (c *Client) PushShare(ctx context.Context, push Push, identity types.Identity) (string, error) {
	req := types.ShareCreateRequest{
		VerifierName:     identity.VerifierName,
		VerifierID:       identity.VerifierID,
		Token:            identity.Token,
		AccountPublicKey: push.AccountPublicKey,
		NewHexShare:      push.HexShare,
	}
	if err := req.IsValid(); err != nil {
		return "", err
	}
	var resp types.ShareCreateResponse
	if err := c.call(ctx, push.Node.Endpoint, types.MethodShareCreate, req, &resp); err != nil {
		return "", err
	}
	return resp.HexShare, nil
}

// FetchShares queries every node concurrently. Each call has its own
// timeout and one failing node never affects the others.
func (c *Client) FetchShares(ctx context.Context, nodes []types.ShareNode, identity types.Identity, ephemeral *EphemeralKey) []NodeResult {
	results := make([]NodeResult, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node types.ShareNode) {
			defer wg.Done()
			share, err := c.FetchShare(ctx, node, identity, ephemeral)
			results[i] = c.result(node, share, err, "fetch")
		}(i, node)
	}
	wg.Wait()
	return results
}

// PushShares pushes concurrently and reports per node. On success the
// result's Share holds the value echoed back by the node.
func (c *Client) PushShares(ctx context.Context, pushes []Push, identity types.Identity) []NodeResult {
	results := make([]NodeResult, len(pushes))
	var wg sync.WaitGroup
	for i, push := range pushes {
		wg.Add(1)
		go func(i int, push Push) {
			defer wg.Done()
			echoed, err := c.PushShare(ctx, push, identity)
			share := types.EncryptedShare{Index: push.Node.ShareIndex, Value: echoed}
			results[i] = c.result(push.Node, share, err, "push")
		}(i, push)
	}
	wg.Wait()
	return results
}

func (c *Client) result(node types.ShareNode, share types.EncryptedShare, err error, op string) NodeResult {
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"endpoint": node.Endpoint,
			"op":       op,
			"error":    err,
		}).Warn("Share node call failed")
		return NodeResult{Node: node, Err: &NodeFailure{Endpoint: node.Endpoint, Err: err}}
	}
	return NodeResult{Node: node, Share: share}
}

func sameHex(a, b string) bool {
	a = strings.TrimLeft(strings.TrimPrefix(strings.ToLower(a), "0x"), "0")
	b = strings.TrimLeft(strings.TrimPrefix(strings.ToLower(b), "0x"), "0")
	return a == b
}
