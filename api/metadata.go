package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
)

func metadataKey(key, field string) string {
	return "meta:" + strings.ToLower(strings.TrimPrefix(key, "0x")) + ":" + field
}

// Metadata serves getMetadata and setMetadata.
func (s *Server) Metadata(c echo.Context) error {
	return s.serveRPC(c, map[string]rpcHandler{
		types.MethodGetMetadata: s.getMetadata,
		types.MethodSetMetadata: s.setMetadata,
	})
}

func (s *Server) getMetadata(ctx context.Context, params json.RawMessage) (any, *types.RPCError) {
	var req types.GetMetadataRequest
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	raw, err := s.store.Get(ctx, metadataKey(req.Key, req.Field))
	if errors.Is(err, types.ErrNotFound) {
		return types.GetMetadataResponse{}, nil
	}
	if err != nil {
		return nil, internalError(err)
	}
	return types.GetMetadataResponse{Value: raw}, nil
}

func (s *Server) setMetadata(ctx context.Context, params json.RawMessage) (any, *types.RPCError) {
	var req types.SetMetadataRequest
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := nodeclient.VerifyMetadataSignature(req.Key, req.Field, req.Value, req.Signature); err != nil {
		return nil, unauthorized(err)
	}
	if err := s.store.Set(ctx, metadataKey(req.Key, req.Field), req.Value); err != nil {
		return nil, internalError(err)
	}
	return types.SetMetadataResponse{OK: true}, nil
}
