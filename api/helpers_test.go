package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vultisig/sssrecovery/internal/types"
)

func bigInt(v int64) *big.Int {
	return big.NewInt(v)
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}

func rpcCall(t *testing.T, url, method string, params any) types.RPCResponse {
	t.Helper()
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(types.RPCRequest{
		JSONRPC: types.JSONRPCVersion,
		ID:      "1",
		Method:  method,
		Params:  rawParams,
	})
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out types.RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
