package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
)

// directoryRecord holds one share index per node. A reset writes Pending;
// it replaces Active once threshold nodes stored a share at their pending
// index, so an interrupted reset never hides the previous shares.
type directoryRecord struct {
	Active  []string `json:"active"`
	Pending []string `json:"pending,omitempty"`
}

type shareRecord struct {
	Index            string    `json:"index"`
	Share            string    `json:"share"`
	AccountPublicKey string    `json:"account_public_key"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func directoryKey(identity string) string {
	return "dir:" + identity
}

func shareKey(node int, identity, index string) string {
	return fmt.Sprintf("share:%d:%s:%s", node, identity, strings.ToLower(strings.TrimPrefix(index, "0x")))
}

func identityKey(verifierName, verifierID string) string {
	return types.Identity{VerifierName: verifierName, VerifierID: verifierID}.Key()
}

// Coordinator serves the shares method.
func (s *Server) Coordinator(c echo.Context) error {
	return s.serveRPC(c, map[string]rpcHandler{
		types.MethodShares: s.shares,
	})
}

// Node serves shareRequest and shareCreate for the node in the path.
func (s *Server) Node(c echo.Context) error {
	id, err := s.nodeID(c)
	if err != nil {
		return err
	}
	return s.serveRPC(c, map[string]rpcHandler{
		types.MethodShareRequest: func(ctx context.Context, params json.RawMessage) (any, *types.RPCError) {
			return s.shareRequest(ctx, id, params)
		},
		types.MethodShareCreate: func(ctx context.Context, params json.RawMessage) (any, *types.RPCError) {
			return s.shareCreate(ctx, id, params)
		},
	})
}

func (s *Server) shares(ctx context.Context, params json.RawMessage) (any, *types.RPCError) {
	var req types.SharesRequest
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.auth.Authorize(req.Token, req.VerifierID); err != nil {
		return nil, unauthorized(err)
	}
	key := identityKey(req.VerifierName, req.VerifierID)

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	dir, err := s.loadDirectory(ctx, key)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, internalError(err)
	}
	if dir == nil {
		active, err := s.newIndices()
		if err != nil {
			return nil, internalError(err)
		}
		dir = &directoryRecord{Active: active}
	} else if err := s.promote(ctx, key, dir); err != nil {
		return nil, internalError(err)
	}

	indices := dir.Active
	if req.ForceReset {
		if dir.Pending, err = s.newIndices(); err != nil {
			return nil, internalError(err)
		}
		indices = dir.Pending
	}
	if err := s.saveDirectory(ctx, key, dir); err != nil {
		return nil, internalError(err)
	}
	stored, err := s.storedShares(ctx, key, dir.Active)
	if err != nil {
		return nil, internalError(err)
	}

	resp := types.SharesResponse{
		IsNew:     stored == 0,
		Nodes:     make([][2]string, 0, len(indices)),
		Threshold: s.threshold,
	}
	for i, index := range indices {
		resp.Nodes = append(resp.Nodes, [2]string{s.nodeEndpoint(i + 1), index})
	}
	s.logger.WithFields(logrus.Fields{
		"identity":    key,
		"is_new":      resp.IsNew,
		"force_reset": req.ForceReset,
	}).Info("Served node directory")
	return resp, nil
}

func (s *Server) shareRequest(ctx context.Context, node int, params json.RawMessage) (any, *types.RPCError) {
	var req types.ShareRequest
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.auth.Authorize(req.Token, req.VerifierID); err != nil {
		return nil, unauthorized(err)
	}
	key := identityKey(req.VerifierName, req.VerifierID)

	s.dirMu.Lock()
	dir, err := s.loadDirectory(ctx, key)
	if err == nil {
		err = s.promote(ctx, key, dir)
	}
	s.dirMu.Unlock()
	if errors.Is(err, types.ErrNotFound) {
		return nil, notFound("no shares for identity")
	}
	if err != nil {
		return nil, internalError(err)
	}
	if node > len(dir.Active) {
		return nil, notFound("node holds no share for identity")
	}
	record, err := s.loadShare(ctx, node, key, dir.Active[node-1])
	if errors.Is(err, types.ErrNotFound) {
		return nil, notFound("node holds no share for identity")
	}
	if err != nil {
		return nil, internalError(err)
	}

	resp := types.ShareResponse{
		ShareIndex: record.Index,
		HexShare:   record.Share,
	}
	if req.EphemeralPublicKey != "" {
		ct, err := nodeclient.EncryptForPublicKey(req.EphemeralPublicKey, []byte(record.Share))
		if err != nil {
			return nil, &types.RPCError{Code: types.RPCCodeInvalidParams, Message: err.Error()}
		}
		resp.HexShare = ct
		resp.Encrypted = true
	}
	return resp, nil
}

// shareCreate stores the share at the node's pending index, or its active
// index when no reset is in progress. A zero share removes the node's
// records at both indices.
func (s *Server) shareCreate(ctx context.Context, node int, params json.RawMessage) (any, *types.RPCError) {
	var req types.ShareCreateRequest
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.auth.Authorize(req.Token, req.VerifierID); err != nil {
		return nil, unauthorized(err)
	}
	key := identityKey(req.VerifierName, req.VerifierID)

	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	dir, err := s.loadDirectory(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return nil, notFound("no directory for identity")
	}
	if err != nil {
		return nil, internalError(err)
	}
	indices := dir.Active
	if len(dir.Pending) > 0 {
		indices = dir.Pending
	}
	if node > len(indices) {
		return nil, notFound("node is not part of the directory")
	}

	if isZeroShare(req.NewHexShare) {
		if err := s.dropShares(ctx, node, key, dir); err != nil {
			return nil, internalError(err)
		}
	} else {
		index := indices[node-1]
		record := shareRecord{
			Index:            index,
			Share:            req.NewHexShare,
			AccountPublicKey: req.AccountPublicKey,
			UpdatedAt:        time.Now().UTC(),
		}
		raw, err := json.Marshal(record)
		if err != nil {
			return nil, internalError(err)
		}
		if err := s.store.Set(ctx, shareKey(node, key, index), raw); err != nil {
			return nil, internalError(err)
		}
	}

	echoed := req.NewHexShare
	if s.fault(node).Corrupt {
		echoed = corrupt(echoed)
	}
	return types.ShareCreateResponse{HexShare: echoed}, nil
}

// dropShares deletes the node's share at the active and the pending index.
// A reset left without any pending share is abandoned. Callers hold dirMu.
func (s *Server) dropShares(ctx context.Context, node int, key string, dir *directoryRecord) error {
	for _, indices := range [][]string{dir.Active, dir.Pending} {
		if node > len(indices) {
			continue
		}
		if err := s.store.Delete(ctx, shareKey(node, key, indices[node-1])); err != nil {
			return err
		}
	}
	if len(dir.Pending) == 0 {
		return nil
	}
	stored, err := s.storedShares(ctx, key, dir.Pending)
	if err != nil {
		return err
	}
	if stored > 0 {
		return nil
	}
	dir.Pending = nil
	if err := s.saveDirectory(ctx, key, dir); err != nil {
		return err
	}
	s.logger.WithField("identity", key).Info("Abandoned pending directory")
	return nil
}

func (s *Server) newIndices() ([]string, error) {
	indices := make([]string, s.nodes)
	for i := range indices {
		idx, err := polynomial.RandomIndex()
		if err != nil {
			return nil, err
		}
		indices[i] = polynomial.Hex(idx)
	}
	return indices, nil
}

func (s *Server) loadDirectory(ctx context.Context, key string) (*directoryRecord, error) {
	raw, err := s.store.Get(ctx, directoryKey(key))
	if err != nil {
		return nil, err
	}
	var dir directoryRecord
	if err := json.Unmarshal(raw, &dir); err != nil {
		return nil, fmt.Errorf("fail to decode directory, err: %w", err)
	}
	return &dir, nil
}

func (s *Server) saveDirectory(ctx context.Context, key string, dir *directoryRecord) error {
	raw, err := json.Marshal(dir)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, directoryKey(key), raw)
}

// promote makes the pending indices active once enough nodes hold a share
// for them. Callers hold dirMu.
func (s *Server) promote(ctx context.Context, key string, dir *directoryRecord) error {
	if len(dir.Pending) == 0 {
		return nil
	}
	stored, err := s.storedShares(ctx, key, dir.Pending)
	if err != nil {
		return err
	}
	if stored < s.threshold {
		return nil
	}
	previous := dir.Active
	dir.Active, dir.Pending = dir.Pending, nil
	if err := s.saveDirectory(ctx, key, dir); err != nil {
		return err
	}
	for i, index := range previous {
		if i < len(dir.Active) && strings.EqualFold(index, dir.Active[i]) {
			continue
		}
		if err := s.store.Delete(ctx, shareKey(i+1, key, index)); err != nil {
			s.logger.WithField("error", err).Warn("Failed to drop superseded share")
		}
	}
	s.logger.WithField("identity", key).Info("Promoted pending directory")
	return nil
}

func (s *Server) storedShares(ctx context.Context, key string, indices []string) (int, error) {
	stored := 0
	for i, index := range indices {
		_, err := s.loadShare(ctx, i+1, key, index)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		stored++
	}
	return stored, nil
}

func (s *Server) loadShare(ctx context.Context, node int, key, index string) (*shareRecord, error) {
	raw, err := s.store.Get(ctx, shareKey(node, key, index))
	if err != nil {
		return nil, err
	}
	var record shareRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("fail to decode share, err: %w", err)
	}
	return &record, nil
}

func isZeroShare(hexShare string) bool {
	return strings.Trim(strings.TrimPrefix(strings.ToLower(hexShare), "0x"), "0") == ""
}

// corrupt flips the last hex digit.
func corrupt(hexShare string) string {
	if hexShare == "" {
		return hexShare
	}
	last := hexShare[len(hexShare)-1]
	flipped := byte('1')
	if last == '1' {
		flipped = '2'
	}
	return hexShare[:len(hexShare)-1] + string(flipped)
}
