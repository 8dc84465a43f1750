package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
)

// DefaultTimeout bounds a single node call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

type rpcClient struct {
	client  http.Client
	timeout time.Duration
	logger  *logrus.Logger
}

func newRPCClient(timeout time.Duration, logger *logrus.Logger) rpcClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return rpcClient{
		client:  http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

func (c *rpcClient) bodyCloser(body io.ReadCloser) {
	if body != nil {
		if err := body.Close(); err != nil {
			c.logger.Error("Failed to close body,err:", err)
		}
	}
}

// call performs one JSON-RPC 2.0 exchange bounded by the client timeout.
func (c *rpcClient) call(ctx context.Context, endpoint, method string, params, result any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("fail to marshal %s params: %w", method, err)
	}
	body, err := json.Marshal(types.RPCRequest{
		JSONRPC: types.JSONRPCVersion,
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("fail to marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("fail to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fail to call %s: %w", method, err)
	}
	defer c.bodyCloser(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fail to call %s: %s", method, resp.Status)
	}
	var rpcResp types.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("fail to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == types.RPCCodeNotFound {
			return fmt.Errorf("%s: %w: %w", method, types.ErrNotFound, rpcResp.Error)
		}
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if result == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("%s: empty result", method)
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("fail to decode %s result: %w", method, err)
	}
	return nil
}
