package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/common"
	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/storage"
)

// RecoveredKey is the reconstructed wallet key. Callers must Wipe it once
// they are done with it.
type RecoveredKey struct {
	Address string
	key     []byte
}

func (k *RecoveredKey) Hex() string {
	return hex.EncodeToString(k.key)
}

// Bytes returns a copy of the 32-byte private key.
func (k *RecoveredKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

func (k *RecoveredKey) Wipe() {
	common.Wipe(k.key)
	k.key = nil
}

// Recover signs the user in and reconstructs the wallet key linked to that
// identity.
func (m *Manager) Recover(ctx context.Context, kind types.VerifierKind) (*RecoveredKey, error) {
	op := m.begin("recovery")
	identity, err := m.login(ctx, op, kind)
	if err != nil {
		return nil, op.fail(err)
	}
	return m.reconstruct(ctx, op, identity)
}

// Reconstruct rebuilds the wallet key for an already authenticated identity.
func (m *Manager) Reconstruct(ctx context.Context, identity *types.Identity) (*RecoveredKey, error) {
	op := m.begin("recovery")
	if err := identity.IsValid(); err != nil {
		return nil, op.fail(fmt.Errorf("%w: %w", types.ErrAdapter, err))
	}
	return m.reconstruct(ctx, op, identity)
}

func (m *Manager) reconstruct(ctx context.Context, op *operation, identity *types.Identity) (*RecoveredKey, error) {
	op.enter(StateFetchingNodeDirectory)
	dir, err := m.nodes.ListNodes(ctx, *identity, false)
	if err != nil {
		return nil, op.fail(err)
	}
	if dir.IsNew {
		return nil, op.fail(types.ErrNoWalletInfo)
	}
	s, err := m.fetchSocialKey(ctx, op, identity, dir)
	if err != nil {
		return nil, op.fail(err)
	}
	defer polynomial.WipeInt(s)
	socialKey, socialRaw, err := toECDSA(s)
	if err != nil {
		return nil, op.fail(err)
	}
	defer common.Wipe(socialRaw)
	defer wipeKey(socialKey)

	info, err := m.loadWalletInfo(ctx, socialKey)
	if err != nil {
		return nil, op.fail(err)
	}
	socialIndex, err := polynomial.ParseHex(info.ShareIndex)
	if err != nil {
		return nil, op.fail(fmt.Errorf("%w: %w", types.ErrNoWalletInfo, err))
	}
	social := polynomial.NewPoint(socialIndex, s)
	defer wipePoints([]polynomial.Point{social})

	passcode, err := m.askPasscode(ctx)
	if err != nil {
		return nil, op.fail(err)
	}
	candidates, localLocked := m.walletShares(ctx, op, info.Address, passcode)
	defer wipePoints(candidates)
	if len(candidates) == 0 {
		return nil, op.fail(fmt.Errorf("%w: no device or cloud share for %s", types.ErrInsufficientShares, info.Address))
	}

	op.enter(StateReconstructing)
	var lastErr error
	for _, candidate := range candidates {
		pair := []polynomial.Point{social, candidate}
		k, err := polynomial.Interpolate(pair)
		if err != nil {
			lastErr = err
			continue
		}
		op.enter(StateValidatingAccount)
		key, raw, err := toECDSA(k)
		polynomial.WipeInt(k)
		if err != nil {
			lastErr = err
			continue
		}
		address := addressOf(key)
		accountPub := publicKeyHex(key)
		wipeKey(key)
		if address != info.Address {
			common.Wipe(raw)
			lastErr = fmt.Errorf("%w: derived %s, expected %s", types.ErrAccountMismatch, address, info.Address)
			op.logger.WithField("account", info.Address).Warn("Wallet share does not match account, trying next")
			continue
		}

		// an existing share that did not decrypt is kept as is
		if localLocked {
			op.logger.WithField("account", address).Warn("Local share is unreadable, not refreshing it")
		} else if err := m.refreshDeviceShare(ctx, pair, info.Address, passcode); err != nil {
			common.Wipe(raw)
			return nil, op.fail(err)
		}
		if err := m.storage.SaveBinding(ctx, types.WalletAccountBinding{
			AccountID:        address,
			AccountPublicKey: accountPub,
			LocalShareRef:    storage.LocalShareKey(address),
			VerifierKind:     identity.Kind,
		}); err != nil {
			common.Wipe(raw)
			return nil, op.fail(err)
		}
		op.done()
		return &RecoveredKey{Address: address, key: raw}, nil
	}
	return nil, op.fail(lastErr)
}

// walletShares returns the usable device and cloud points, device first.
// Unreadable shares are logged and skipped; localLocked reports a device
// share that exists but could not be read with the passcode.
func (m *Manager) walletShares(ctx context.Context, op *operation, account, passcode string) (points []polynomial.Point, localLocked bool) {
	local, err := m.storage.ReadLocal(ctx, account, passcode)
	switch {
	case err == nil:
		if p, err := pointFromShare(local); err == nil {
			points = append(points, p)
		} else {
			localLocked = true
		}
	case errors.Is(err, types.ErrNotFound):
		op.logger.WithField("account", account).Info("No local share on this device")
	default:
		localLocked = true
		op.logger.WithFields(logrus.Fields{
			"account": account,
			"error":   err,
		}).Warn("Ignoring unreadable local share")
	}

	cloud, err := m.storage.ReadCloud(ctx, account)
	switch {
	case err == nil:
		if p, err := pointFromShare(cloud); err == nil {
			points = append(points, p)
		}
	case errors.Is(err, types.ErrNotFound):
	default:
		op.logger.WithFields(logrus.Fields{
			"account": account,
			"error":   err,
		}).Warn("Ignoring unreadable cloud share")
	}
	deduped := polynomial.Dedup(points)
	wipePoints(points)
	return deduped, localLocked
}

// refreshDeviceShare stores a new point of the wallet polynomial on the
// device.
func (m *Manager) refreshDeviceShare(ctx context.Context, pair []polynomial.Point, account, passcode string) error {
	idx, err := polynomial.RandomIndex()
	if err != nil {
		return err
	}
	y, err := polynomial.Evaluate(pair, idx)
	if err != nil {
		return err
	}
	point := polynomial.Point{X: idx, Y: y}
	defer wipePoints([]polynomial.Point{point})
	return m.storage.WriteLocal(ctx, account, passcode, shareFromPoint(point))
}
