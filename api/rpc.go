package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
)

type rpcHandler func(ctx context.Context, params json.RawMessage) (any, *types.RPCError)

type validator interface {
	IsValid() error
}

// serveRPC decodes one JSON-RPC request and routes it to handlers. Protocol
// errors are reported in the response body with HTTP 200.
func (s *Server) serveRPC(c echo.Context, handlers map[string]rpcHandler) error {
	var req types.RPCRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, types.RPCResponse{
			JSONRPC: types.JSONRPCVersion,
			Error:   &types.RPCError{Code: types.RPCCodeParseError, Message: "fail to parse request"},
		})
	}
	resp := types.RPCResponse{
		JSONRPC: types.JSONRPCVersion,
		ID:      req.ID,
	}
	if req.JSONRPC != types.JSONRPCVersion || req.Method == "" {
		resp.Error = &types.RPCError{Code: types.RPCCodeInvalidRequest, Message: "invalid request"}
		return c.JSON(http.StatusOK, resp)
	}
	handler, ok := handlers[req.Method]
	if !ok {
		resp.Error = &types.RPCError{Code: types.RPCCodeMethodNotFound, Message: "method not found: " + req.Method}
		return c.JSON(http.StatusOK, resp)
	}

	result, rpcErr := handler(c.Request().Context(), req.Params)
	if rpcErr != nil {
		s.logger.WithFields(logrus.Fields{
			"path":   c.Path(),
			"method": req.Method,
			"code":   rpcErr.Code,
			"error":  rpcErr.Message,
		}).Warn("RPC call failed")
		resp.Error = rpcErr
		return c.JSON(http.StatusOK, resp)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = internalError(err)
		return c.JSON(http.StatusOK, resp)
	}
	resp.Result = raw
	return c.JSON(http.StatusOK, resp)
}

func decodeParams(raw json.RawMessage, v validator) *types.RPCError {
	if len(raw) == 0 {
		return &types.RPCError{Code: types.RPCCodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &types.RPCError{Code: types.RPCCodeInvalidParams, Message: "fail to decode params"}
	}
	if err := v.IsValid(); err != nil {
		return &types.RPCError{Code: types.RPCCodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func internalError(err error) *types.RPCError {
	return &types.RPCError{Code: types.RPCCodeInternal, Message: err.Error()}
}

func unauthorized(err error) *types.RPCError {
	return &types.RPCError{Code: types.RPCCodeUnauthorized, Message: err.Error()}
}

func notFound(msg string) *types.RPCError {
	return &types.RPCError{Code: types.RPCCodeNotFound, Message: msg}
}
