package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/common"
	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
	"github.com/vultisig/sssrecovery/storage"
)

// WalletInfoField is the metadata field holding the social share index.
const WalletInfoField = "socialShareIndex"

// WalletThreshold is the threshold of the wallet polynomial: the social
// share plus one device or cloud share.
const WalletThreshold = 2

// NodeClient is the share node transport used by the manager.
type NodeClient interface {
	ListNodes(ctx context.Context, identity types.Identity, forceReset bool) (*types.NodeDirectory, error)
	FetchShares(ctx context.Context, nodes []types.ShareNode, identity types.Identity, ephemeral *nodeclient.EphemeralKey) []nodeclient.NodeResult
	PushShares(ctx context.Context, pushes []nodeclient.Push, identity types.Identity) []nodeclient.NodeResult
}

// MetadataClient stores wallet info keyed by the social key.
type MetadataClient interface {
	GetValue(ctx context.Context, key *ecdsa.PrivateKey, field string, out any) error
	SetValue(ctx context.Context, key *ecdsa.PrivateKey, field string, value any) error
}

type Options struct {
	// BatchDelay separates wallets in RotateAll.
	BatchDelay      time.Duration
	DefaultVerifier types.VerifierKind
	Observer        StateObserver
}

// Manager drives recovery, creation, rotation and deletion of wallets.
type Manager struct {
	nodes    NodeClient
	metadata MetadataClient
	storage  *storage.ShareStorage
	identity IdentityAdapter
	passcode PasscodeProvider
	sdClient statsd.ClientInterface
	logger   *logrus.Logger
	opts     Options
}

func NewManager(
	nodes NodeClient,
	metadata MetadataClient,
	shareStorage *storage.ShareStorage,
	identity IdentityAdapter,
	passcode PasscodeProvider,
	sdClient statsd.ClientInterface,
	logger *logrus.Logger,
	opts Options,
) (*Manager, error) {
	if nodes == nil {
		return nil, fmt.Errorf("node client is required")
	}
	if metadata == nil {
		return nil, fmt.Errorf("metadata client is required")
	}
	if shareStorage == nil {
		return nil, fmt.Errorf("share storage is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("identity adapter is required")
	}
	if passcode == nil {
		return nil, fmt.Errorf("passcode provider is required")
	}
	if sdClient == nil {
		sdClient = &statsd.NoOpClient{}
	}
	if logger == nil {
		logger = logrus.WithField("service", "recovery").Logger
	}
	if opts.DefaultVerifier == "" {
		opts.DefaultVerifier = types.VerifierGoogle
	}
	return &Manager{
		nodes:    nodes,
		metadata: metadata,
		storage:  shareStorage,
		identity: identity,
		passcode: passcode,
		sdClient: sdClient,
		logger:   logger,
		opts:     opts,
	}, nil
}

func (m *Manager) incCounter(name string, tags []string) {
	if err := m.sdClient.Count(name, 1, tags, 1); err != nil {
		m.logger.Errorf("fail to count metric, err: %v", err)
	}
}

func (m *Manager) measureTime(name string, start time.Time, tags []string) {
	if err := m.sdClient.Timing(name, time.Since(start), tags, 1); err != nil {
		m.logger.Errorf("fail to measure time metric, err: %v", err)
	}
}

func (m *Manager) login(ctx context.Context, op *operation, kind types.VerifierKind) (*types.Identity, error) {
	op.enter(StateAuthenticatingIdentity)
	identity, err := m.identity.Login(ctx, kind)
	if err != nil {
		if !errors.Is(err, types.ErrUserCancelled) && !errors.Is(err, types.ErrAdapter) {
			err = fmt.Errorf("%w: %w", types.ErrAdapter, err)
		}
		return nil, err
	}
	if err := identity.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAdapter, err)
	}
	return identity, nil
}

func (m *Manager) askPasscode(ctx context.Context) (string, error) {
	passcode, err := m.passcode.Passcode(ctx)
	if err != nil {
		if errors.Is(err, types.ErrUserCancelled) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", types.ErrUserCancelled, err)
	}
	if passcode == "" {
		return "", types.ErrUserCancelled
	}
	return passcode, nil
}

func (m *Manager) verifierFor(ctx context.Context, account string) types.VerifierKind {
	binding, err := m.storage.Binding(ctx, account)
	if err != nil || binding.VerifierKind == "" {
		return m.opts.DefaultVerifier
	}
	return binding.VerifierKind
}

func threshold(dir *types.NodeDirectory) int {
	if dir.Threshold < polynomial.MinShares {
		return polynomial.MinShares
	}
	return dir.Threshold
}

// fetchSocialKey collects node shares for the identity and interpolates the
// social key. The directory must already exist for the identity.
func (m *Manager) fetchSocialKey(ctx context.Context, op *operation, identity *types.Identity, dir *types.NodeDirectory) (*big.Int, error) {
	op.enter(StateCollectingShares)
	ephemeral, err := nodeclient.NewEphemeralKey()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Wipe()

	results := m.nodes.FetchShares(ctx, dir.Nodes, *identity, ephemeral)
	points := make([]polynomial.Point, 0, len(results))
	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
			continue
		}
		p, err := polynomial.ParsePoint(r.Share.Index, r.Share.Value)
		if err != nil {
			failed++
			op.logger.WithFields(logrus.Fields{
				"endpoint": r.Node.Endpoint,
				"error":    err,
			}).Warn("Dropping malformed node share")
			continue
		}
		points = append(points, p)
	}
	defer wipePoints(points)
	op.logger.WithFields(logrus.Fields{
		"nodes":     len(dir.Nodes),
		"collected": len(points),
		"failed":    failed,
		"threshold": threshold(dir),
	}).Info("Collected node shares")

	op.enter(StateReconstructing)
	s, err := polynomial.Reconstruct(points, threshold(dir))
	if err != nil {
		return nil, err
	}
	if !polynomial.ValidScalar(s) {
		polynomial.WipeInt(s)
		return nil, fmt.Errorf("%w: social key out of range", types.ErrInvalidKeyMaterial)
	}
	return s, nil
}

// distributeSocialKey splits s over a freshly reset node directory and
// checks the acknowledged shares still interpolate to s.
func (m *Manager) distributeSocialKey(ctx context.Context, op *operation, identity *types.Identity, s *big.Int, accountPublicKey string) error {
	op.enter(StateFetchingNodeDirectory)
	dir, err := m.nodes.ListNodes(ctx, *identity, true)
	if err != nil {
		return err
	}
	t := threshold(dir)
	if len(dir.Nodes) < t {
		return fmt.Errorf("%w: directory lists %d nodes, threshold %d", types.ErrNoNodesAvailable, len(dir.Nodes), t)
	}
	poly, err := polynomial.NewRandom(s, t)
	if err != nil {
		return err
	}
	defer poly.Wipe()

	pushes := make([]nodeclient.Push, 0, len(dir.Nodes))
	for _, node := range dir.Nodes {
		idx, err := polynomial.ParseHex(node.ShareIndex)
		if err != nil {
			return fmt.Errorf("fail to parse node index: %w", err)
		}
		share, err := poly.Share(idx)
		if err != nil {
			return fmt.Errorf("fail to derive node share: %w", err)
		}
		pushes = append(pushes, nodeclient.Push{
			Node:             node,
			AccountPublicKey: accountPublicKey,
			HexShare:         polynomial.Hex(share.Y),
		})
	}

	op.enter(StateCollectingShares)
	results := m.nodes.PushShares(ctx, pushes, *identity)
	acked := make([]polynomial.Point, 0, len(results))
	for _, r := range results {
		if !r.OK() {
			continue
		}
		p, err := polynomial.ParsePoint(r.Share.Index, r.Share.Value)
		if err != nil {
			continue
		}
		acked = append(acked, p)
	}
	defer wipePoints(acked)
	op.logger.WithFields(logrus.Fields{
		"nodes":     len(pushes),
		"acked":     len(acked),
		"threshold": t,
	}).Info("Pushed node shares")

	op.enter(StateReconstructing)
	check, err := polynomial.Reconstruct(acked, t)
	if err != nil {
		return err
	}
	defer polynomial.WipeInt(check)
	if check.Cmp(s) != 0 {
		return types.ErrShareVerification
	}
	return nil
}

// loadWalletInfo reads the wallet info stored under the social key.
func (m *Manager) loadWalletInfo(ctx context.Context, socialKey *ecdsa.PrivateKey) (*types.WalletInfo, error) {
	var info types.WalletInfo
	err := m.metadata.GetValue(ctx, socialKey, WalletInfoField, &info)
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNoWalletInfo
	}
	if err != nil {
		return nil, fmt.Errorf("fail to read wallet info: %w", err)
	}
	if err := info.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrNoWalletInfo, err)
	}
	info.Address = types.NormalizeAccount(info.Address)
	return &info, nil
}

// toECDSA turns a scalar into a secp256k1 key. The caller wipes both.
func toECDSA(v *big.Int) (*ecdsa.PrivateKey, []byte, error) {
	if !polynomial.ValidScalar(v) {
		return nil, nil, types.ErrInvalidKeyMaterial
	}
	raw := math.PaddedBigBytes(v, 32)
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		common.Wipe(raw)
		return nil, nil, fmt.Errorf("%w: %w", types.ErrInvalidKeyMaterial, err)
	}
	return key, raw, nil
}

func addressOf(key *ecdsa.PrivateKey) string {
	return types.NormalizeAccount(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func publicKeyHex(key *ecdsa.PrivateKey) string {
	return fmt.Sprintf("%x", crypto.CompressPubkey(&key.PublicKey))
}

func wipeKey(key *ecdsa.PrivateKey) {
	if key != nil {
		polynomial.WipeInt(key.D)
	}
}

func wipePoints(points []polynomial.Point) {
	for _, p := range points {
		polynomial.WipeInt(p.Y)
	}
}

func shareFromPoint(p polynomial.Point) types.WalletShare {
	return types.WalletShare{
		Share:      polynomial.Hex(p.Y),
		ShareIndex: polynomial.Hex(p.X),
	}
}

func pointFromShare(s *types.WalletShare) (polynomial.Point, error) {
	return polynomial.ParsePoint(s.ShareIndex, s.Share)
}
