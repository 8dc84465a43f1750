package service_test

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/sssrecovery/api"
	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
	"github.com/vultisig/sssrecovery/service"
	"github.com/vultisig/sssrecovery/storage"
)

func TestCreateAndRecoverOnFreshDevice(t *testing.T) {
	net := newNetwork(t)
	cloud := storage.NewMemoryStore("cloud")
	ctx := context.Background()

	first := net.newDevice(t, deviceOptions{cloud: cloud})
	created, err := first.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(created.Address, "0x"))
	createdHex := created.Hex()
	created.Wipe()

	accounts, err := first.shares.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{created.Address}, accounts)

	second := net.newDevice(t, deviceOptions{cloud: cloud})
	recovered, err := second.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Address, recovered.Address)
	assert.Equal(t, createdHex, recovered.Hex())

	// recovery leaves a fresh device share behind
	share, err := second.shares.ReadLocal(ctx, recovered.Address, testPasscode)
	require.NoError(t, err)
	assert.NoError(t, share.IsValid())
	binding, err := second.shares.Binding(ctx, recovered.Address)
	require.NoError(t, err)
	assert.Equal(t, types.VerifierCustom, binding.VerifierKind)
	assert.Equal(t, "cloud", binding.CloudProvider)
}

func TestCreateImportsKey(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	created, err := dev.manager.Create(context.Background(), types.VerifierCustom, crypto.FromECDSA(key))
	require.NoError(t, err)
	defer created.Wipe()
	assert.Equal(t, want, created.Address)
	assert.Equal(t, hex.EncodeToString(crypto.FromECDSA(key)), created.Hex())

	// importing the same key again reuses the social key
	again, err := dev.manager.Create(context.Background(), types.VerifierCustom, crypto.FromECDSA(key))
	require.NoError(t, err)
	defer again.Wipe()
	assert.Equal(t, want, again.Address)

	recovered, err := dev.manager.Recover(context.Background(), types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Hex(), recovered.Hex())
}

func TestCreateRejectsSecondWallet(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	_, err = dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.ErrorIs(t, err, types.ErrAccountMismatch)
	assert.Equal(t, "ValidatingAccount", failureState(t, err))
}

func TestCreateRejectsInvalidKey(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	tests := []struct {
		name string
		key  []byte
	}{
		{name: "zero", key: make([]byte, 32)},
		{name: "group order", key: polynomial.FieldOrder().Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dev.manager.Create(context.Background(), types.VerifierCustom, tt.key)
			assert.ErrorIs(t, err, types.ErrInvalidKeyMaterial)
		})
	}
}

func TestRecoverToleratesSlowNode(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	defer created.Wipe()

	net.server.SetNodeFault(3, api.NodeFault{Latency: 5 * time.Second})
	start := time.Now()
	recovered, err := dev.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Hex(), recovered.Hex())
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRecoverBelowThreshold(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	net.server.SetNodeFault(1, api.NodeFault{Down: true})
	net.server.SetNodeFault(2, api.NodeFault{Down: true})
	_, err = dev.manager.Recover(ctx, types.VerifierCustom)
	require.ErrorIs(t, err, types.ErrInsufficientShares)
	assert.Equal(t, "Reconstructing", failureState(t, err))
}

func TestRecoverUnknownIdentity(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	_, err := dev.manager.Recover(context.Background(), types.VerifierCustom)
	require.ErrorIs(t, err, types.ErrNoWalletInfo)
	assert.Equal(t, "FetchingNodeDirectory", failureState(t, err))
}

func TestRecoverWithoutWalletShare(t *testing.T) {
	net := newNetwork(t)
	ctx := context.Background()
	created, err := net.newDevice(t, deviceOptions{}).manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	// no cloud and a different device: only the social share is reachable
	_, err = net.newDevice(t, deviceOptions{}).manager.Recover(ctx, types.VerifierCustom)
	assert.ErrorIs(t, err, types.ErrInsufficientShares)
}

func TestRecoverFallsBackToCloud(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{cloud: storage.NewMemoryStore("cloud")})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	defer created.Wipe()

	x, err := polynomial.RandomIndex()
	require.NoError(t, err)
	y, err := polynomial.RandomScalar()
	require.NoError(t, err)
	require.NoError(t, dev.shares.WriteLocal(ctx, created.Address, testPasscode, types.WalletShare{
		Share:      polynomial.Hex(y),
		ShareIndex: polynomial.Hex(x),
	}))

	recovered, err := dev.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Hex(), recovered.Hex())
}

func TestRecoverWrongPasscodeUsesCloud(t *testing.T) {
	net := newNetwork(t)
	cloud := storage.NewMemoryStore("cloud")
	local := storage.NewMemoryStore("device")
	ctx := context.Background()

	created, err := net.newDevice(t, deviceOptions{cloud: cloud, local: local}).manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	defer created.Wipe()

	before, err := local.Get(ctx, storage.LocalShareKey(created.Address))
	require.NoError(t, err)

	dev := net.newDevice(t, deviceOptions{cloud: cloud, local: local, passcode: service.StaticPasscode("654321")})
	recovered, err := dev.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Hex(), recovered.Hex())

	// the device share is still the one sealed with the right passcode
	after, err := local.Get(ctx, storage.LocalShareKey(created.Address))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	require.NoError(t, net.newDevice(t, deviceOptions{cloud: cloud, local: local}).manager.Rotate(ctx, created.Address))
}

func TestRotatePreservesKey(t *testing.T) {
	net := newNetwork(t)
	cloud := storage.NewMemoryStore("cloud")
	dev := net.newDevice(t, deviceOptions{cloud: cloud})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	defer created.Wipe()
	localBefore, err := dev.shares.ReadLocal(ctx, created.Address, testPasscode)
	require.NoError(t, err)
	cloudBefore, err := dev.shares.ReadCloud(ctx, created.Address)
	require.NoError(t, err)

	require.NoError(t, dev.manager.Rotate(ctx, created.Address))

	localAfter, err := dev.shares.ReadLocal(ctx, created.Address, testPasscode)
	require.NoError(t, err)
	cloudAfter, err := dev.shares.ReadCloud(ctx, created.Address)
	require.NoError(t, err)
	assert.NotEqual(t, localBefore.ShareIndex, localAfter.ShareIndex)
	assert.NotEqual(t, cloudBefore.ShareIndex, cloudAfter.ShareIndex)

	recovered, err := dev.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer recovered.Wipe()
	assert.Equal(t, created.Hex(), recovered.Hex())

	fresh, err := net.newDevice(t, deviceOptions{cloud: cloud}).manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	defer fresh.Wipe()
	assert.Equal(t, created.Hex(), fresh.Hex())
}

func TestRotateFailureKeepsWalletRecoverable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(net *network) deviceOptions
		wantErr error
	}{
		{
			name: "no node acknowledges",
			setup: func(net *network) deviceOptions {
				return deviceOptions{wrapNodes: func(nodes service.NodeClient) service.NodeClient {
					return failingPushes{NodeClient: nodes}
				}}
			},
			wantErr: types.ErrInsufficientShares,
		},
		{
			name: "node echoes a different share",
			setup: func(net *network) deviceOptions {
				net.server.SetNodeFault(1, api.NodeFault{Corrupt: true})
				return deviceOptions{}
			},
			wantErr: types.ErrShareVerification,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newNetwork(t)
			local := storage.NewMemoryStore("device")
			ctx := context.Background()

			created, err := net.newDevice(t, deviceOptions{local: local}).manager.Create(ctx, types.VerifierCustom, nil)
			require.NoError(t, err)
			defer created.Wipe()
			blobBefore, err := local.Get(ctx, storage.LocalShareKey(created.Address))
			require.NoError(t, err)

			opts := tt.setup(net)
			opts.local = local
			err = net.newDevice(t, opts).manager.Rotate(ctx, created.Address)
			require.ErrorIs(t, err, tt.wantErr)

			blobAfter, err := local.Get(ctx, storage.LocalShareKey(created.Address))
			require.NoError(t, err)
			assert.Equal(t, blobBefore, blobAfter)

			net.server.ClearFaults()
			recovered, err := net.newDevice(t, deviceOptions{local: local}).manager.Recover(ctx, types.VerifierCustom)
			require.NoError(t, err)
			defer recovered.Wipe()
			assert.Equal(t, created.Hex(), recovered.Hex())
		})
	}
}

func TestRotateWithoutLocalShare(t *testing.T) {
	net := newNetwork(t)
	dev := net.newDevice(t, deviceOptions{})
	err := dev.manager.Rotate(context.Background(), "0x00000000000000000000000000000000000000aa")
	assert.ErrorIs(t, err, types.ErrNoLocalShare)
}

func TestRotateAll(t *testing.T) {
	net := newNetwork(t)
	delay := 20 * time.Millisecond
	dev := net.newDevice(t, deviceOptions{
		emails: map[types.VerifierKind]string{
			types.VerifierGoogle: "google-user@example.com",
			types.VerifierCustom: "custom-user@example.com",
		},
		batchDelay: delay,
	})
	ctx := context.Background()

	googleWallet, err := dev.manager.Create(ctx, types.VerifierGoogle, nil)
	require.NoError(t, err)
	defer googleWallet.Wipe()
	customWallet, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	defer customWallet.Wipe()
	orphan := "0x00000000000000000000000000000000000000aa"
	require.NoError(t, dev.shares.SaveBinding(ctx, types.WalletAccountBinding{
		AccountID:    orphan,
		VerifierKind: types.VerifierCustom,
	}))

	start := time.Now()
	result, err := dev.manager.RotateAll(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 2*delay)
	assert.ElementsMatch(t, []string{googleWallet.Address, customWallet.Address}, result.Rotated)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[orphan], types.ErrNoLocalShare)

	for kind, wallet := range map[types.VerifierKind]*service.RecoveredKey{
		types.VerifierGoogle: googleWallet,
		types.VerifierCustom: customWallet,
	} {
		recovered, err := dev.manager.Recover(ctx, kind)
		require.NoError(t, err)
		assert.Equal(t, wallet.Hex(), recovered.Hex())
		recovered.Wipe()
	}
}

func TestRotateAllSignsInPerWallet(t *testing.T) {
	net := newNetwork(t)
	tokens := &queuedTokens{net: net}
	dev := net.newDevice(t, deviceOptions{tokenSource: tokens})
	ctx := context.Background()

	emails := map[string]string{}
	for _, email := range []string{"a@example.com", "b@example.com"} {
		tokens.emails = []string{email}
		wallet, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
		require.NoError(t, err)
		emails[wallet.Address] = email
		wallet.Wipe()
	}

	accounts, err := dev.shares.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	tokens.emails = nil
	for _, account := range accounts {
		tokens.emails = append(tokens.emails, emails[account])
	}
	tokens.logins = 0

	result, err := dev.manager.RotateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Failed)
	assert.ElementsMatch(t, accounts, result.Rotated)
	assert.Equal(t, 2, tokens.logins)
	assert.Empty(t, tokens.emails)
}

func TestRotateAllEmpty(t *testing.T) {
	net := newNetwork(t)
	asked := false
	dev := net.newDevice(t, deviceOptions{passcode: service.PasscodeFunc(func(ctx context.Context) (string, error) {
		asked = true
		return testPasscode, nil
	})})
	result, err := dev.manager.RotateAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Rotated)
	assert.Empty(t, result.Failed)
	assert.False(t, asked)
}

func TestDeleteWalletWithUnreachableNode(t *testing.T) {
	net := newNetwork(t)
	cloud := storage.NewMemoryStore("cloud")
	dev := net.newDevice(t, deviceOptions{cloud: cloud})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	net.server.SetNodeFault(2, api.NodeFault{Down: true})
	dev.manager.DeleteWallet(ctx, strings.ToUpper(created.Address[2:]))
	net.server.ClearFaults()

	_, err = dev.local.Get(ctx, storage.LocalShareKey(created.Address))
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = cloud.GetItem(ctx, storage.CloudShareKey(created.Address))
	assert.ErrorIs(t, err, types.ErrNotFound)
	accounts, err := dev.shares.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	// only the unreachable node still holds a share
	_, err = dev.manager.Recover(ctx, types.VerifierCustom)
	assert.ErrorIs(t, err, types.ErrInsufficientShares)
}

func TestDeleteWalletWhenSignInFails(t *testing.T) {
	net := newNetwork(t)
	local := storage.NewMemoryStore("device")
	ctx := context.Background()
	created, err := net.newDevice(t, deviceOptions{local: local}).manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	dev := net.newDevice(t, deviceOptions{
		local: local,
		tokenSource: service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
			return "", types.ErrUserCancelled
		}),
	})
	dev.manager.DeleteWallet(ctx, created.Address)
	_, err = local.Get(ctx, storage.LocalShareKey(created.Address))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDeleteWalletAfterInterruptedRotation(t *testing.T) {
	net := newNetwork(t)
	local := storage.NewMemoryStore("device")
	ctx := context.Background()
	dev := net.newDevice(t, deviceOptions{local: local})
	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()

	flaky := net.newDevice(t, deviceOptions{
		local: local,
		wrapNodes: func(nodes service.NodeClient) service.NodeClient {
			return failingPushes{nodes}
		},
	})
	require.ErrorIs(t, flaky.manager.Rotate(ctx, created.Address), types.ErrInsufficientShares)

	dev.manager.DeleteWallet(ctx, created.Address)

	token, err := net.server.Auth().GenerateToken(testEmail)
	require.NoError(t, err)
	identity := types.Identity{
		Kind:         types.VerifierCustom,
		VerifierName: testVerifiers[types.VerifierCustom],
		VerifierID:   testEmail,
		Token:        token,
	}
	client := nodeclient.NewClient(net.url+"/coordinator", nodeTimeout, quietLogger())
	dir, err := client.ListNodes(ctx, identity, false)
	require.NoError(t, err)
	assert.True(t, dir.IsNew)
	for _, r := range client.FetchShares(ctx, dir.Nodes, identity, nil) {
		assert.ErrorIs(t, r.Err, types.ErrNotFound)
	}
	_, err = dev.manager.Recover(ctx, types.VerifierCustom)
	assert.ErrorIs(t, err, types.ErrNoWalletInfo)
}

func TestDeleteWalletSendsAccountPublicKey(t *testing.T) {
	net := newNetwork(t)
	var mu sync.Mutex
	var pushes []nodeclient.Push
	dev := net.newDevice(t, deviceOptions{
		wrapNodes: func(nodes service.NodeClient) service.NodeClient {
			return recordingPushes{NodeClient: nodes, mu: &mu, pushes: &pushes}
		},
	})
	ctx := context.Background()
	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	key, err := crypto.ToECDSA(created.Bytes())
	require.NoError(t, err)
	created.Wipe()
	want := hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey))

	binding, err := dev.shares.Binding(ctx, created.Address)
	require.NoError(t, err)
	assert.Equal(t, want, binding.AccountPublicKey)

	mu.Lock()
	pushes = nil
	mu.Unlock()
	dev.manager.DeleteWallet(ctx, created.Address)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, pushes, 3)
	for _, push := range pushes {
		assert.Equal(t, nodeclient.ZeroShare, push.HexShare)
		assert.Equal(t, want, push.AccountPublicKey)
	}
}

func TestUserCancellation(t *testing.T) {
	tests := []struct {
		name      string
		opts      deviceOptions
		wantState string
	}{
		{
			name: "sign-in cancelled",
			opts: deviceOptions{tokenSource: service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
				return "", types.ErrUserCancelled
			})},
			wantState: "AuthenticatingIdentity",
		},
		{
			name: "empty token",
			opts: deviceOptions{tokenSource: service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
				return "  ", nil
			})},
			wantState: "AuthenticatingIdentity",
		},
		{
			name:      "empty passcode",
			opts:      deviceOptions{passcode: service.StaticPasscode("")},
			wantState: "AuthenticatingIdentity",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newNetwork(t)
			_, err := net.newDevice(t, tt.opts).manager.Create(context.Background(), types.VerifierCustom, nil)
			require.ErrorIs(t, err, types.ErrUserCancelled)
			assert.Equal(t, tt.wantState, failureState(t, err))
			assert.Equal(t, "Sign-in was cancelled.", types.UserMessage(err))
		})
	}
}

func TestStateObserver(t *testing.T) {
	net := newNetwork(t)
	var mu sync.Mutex
	var states []string
	dev := net.newDevice(t, deviceOptions{observer: func(operation string, state service.State) {
		if operation != "recovery" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		states = append(states, state.String())
	}})
	ctx := context.Background()

	created, err := dev.manager.Create(ctx, types.VerifierCustom, nil)
	require.NoError(t, err)
	created.Wipe()
	recovered, err := dev.manager.Recover(ctx, types.VerifierCustom)
	require.NoError(t, err)
	recovered.Wipe()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"Idle",
		"AuthenticatingIdentity",
		"FetchingNodeDirectory",
		"CollectingShares",
		"Reconstructing",
		"ValidatingAccount",
		"Done",
	}, states)
}
