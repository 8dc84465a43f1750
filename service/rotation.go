package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/common"
	"github.com/vultisig/sssrecovery/contexthelper"
	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/storage"
)

// BatchResult reports a RotateAll run.
type BatchResult struct {
	Rotated []string
	Failed  map[string]error
}

// Rotate regenerates the node shares of the wallet's social key and replaces
// the device and cloud shares with fresh points. The wallet key and the
// social key do not change. Local and cloud shares are only touched after
// the nodes acknowledged the new shares, so a failure at any point leaves a
// recoverable wallet.
func (m *Manager) Rotate(ctx context.Context, account string) error {
	passcode, err := m.askPasscode(ctx)
	if err != nil {
		return err
	}
	return m.rotate(ctx, types.NormalizeAccount(account), passcode)
}

// RotateAll rotates every wallet bound on this device, one after another
// with BatchDelay in between. Each wallet signs in on its own since wallets
// of one provider belong to different identities. A failing wallet is
// logged and skipped.
func (m *Manager) RotateAll(ctx context.Context) (*BatchResult, error) {
	accounts, err := m.storage.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	result := &BatchResult{Failed: make(map[string]error)}
	if len(accounts) == 0 {
		return result, nil
	}
	passcode, err := m.askPasscode(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(accounts))
	for _, account := range accounts {
		account = types.NormalizeAccount(account)
		if _, ok := seen[account]; ok {
			continue
		}
		if len(seen) > 0 {
			if err := contexthelper.Sleep(ctx, m.opts.BatchDelay); err != nil {
				return result, err
			}
		}
		seen[account] = struct{}{}
		if err := m.rotate(ctx, account, passcode); err != nil {
			m.logger.WithFields(logrus.Fields{
				"account": account,
				"error":   err,
			}).Error("Failed to rotate wallet")
			result.Failed[account] = err
			continue
		}
		result.Rotated = append(result.Rotated, account)
	}
	m.logger.WithFields(logrus.Fields{
		"rotated": len(result.Rotated),
		"failed":  len(result.Failed),
	}).Info("Batch rotation finished")
	return result, nil
}

func (m *Manager) rotate(ctx context.Context, account, passcode string) error {
	op := m.begin("rotation")
	op.logger = op.logger.WithField("account", account)

	local, err := m.storage.ReadLocal(ctx, account, passcode)
	if err != nil {
		return op.fail(fmt.Errorf("%w: %w", types.ErrNoLocalShare, err))
	}
	device, err := pointFromShare(local)
	if err != nil {
		return op.fail(fmt.Errorf("%w: %w", types.ErrNoLocalShare, err))
	}
	defer wipePoints([]polynomial.Point{device})

	identity, err := m.login(ctx, op, m.verifierFor(ctx, account))
	if err != nil {
		return op.fail(err)
	}

	op.enter(StateFetchingNodeDirectory)
	dir, err := m.nodes.ListNodes(ctx, *identity, false)
	if err != nil {
		return op.fail(err)
	}
	if dir.IsNew {
		return op.fail(types.ErrNoWalletInfo)
	}
	s, err := m.fetchSocialKey(ctx, op, identity, dir)
	if err != nil {
		return op.fail(err)
	}
	defer polynomial.WipeInt(s)
	socialKey, socialRaw, err := toECDSA(s)
	if err != nil {
		return op.fail(err)
	}
	defer common.Wipe(socialRaw)
	defer wipeKey(socialKey)

	info, err := m.loadWalletInfo(ctx, socialKey)
	if err != nil {
		return op.fail(err)
	}
	socialIndex, err := polynomial.ParseHex(info.ShareIndex)
	if err != nil {
		return op.fail(fmt.Errorf("%w: %w", types.ErrNoWalletInfo, err))
	}
	social := polynomial.NewPoint(socialIndex, s)
	defer wipePoints([]polynomial.Point{social})

	op.enter(StateValidatingAccount)
	if info.Address != account {
		return op.fail(fmt.Errorf("%w: identity is linked to %s", types.ErrAccountMismatch, info.Address))
	}
	k, err := polynomial.Interpolate([]polynomial.Point{social, device})
	if err != nil {
		return op.fail(err)
	}
	defer polynomial.WipeInt(k)
	walletKey, walletRaw, err := toECDSA(k)
	if err != nil {
		return op.fail(err)
	}
	defer common.Wipe(walletRaw)
	defer wipeKey(walletKey)
	if addressOf(walletKey) != account {
		return op.fail(fmt.Errorf("%w: local share does not belong to %s", types.ErrAccountMismatch, account))
	}

	accountPub := publicKeyHex(walletKey)
	if err := m.distributeSocialKey(ctx, op, identity, s, accountPub); err != nil {
		return op.fail(err)
	}

	// nodes hold the new shares; only now touch the device and cloud copies
	wallet, err := polynomial.Through(k, social)
	if err != nil {
		return op.fail(err)
	}
	defer wallet.Wipe()
	if err := writeShare(wallet, func(share types.WalletShare) error {
		return m.storage.WriteLocal(ctx, account, passcode, share)
	}); err != nil {
		return op.fail(err)
	}
	if m.storage.HasCloud() {
		if err := writeShare(wallet, func(share types.WalletShare) error {
			return m.storage.WriteCloud(ctx, account, share)
		}); err != nil {
			op.logger.WithField("error", err).Warn("Failed to refresh cloud share")
		}
	}
	if err := m.storage.SaveBinding(ctx, types.WalletAccountBinding{
		AccountID:        account,
		AccountPublicKey: accountPub,
		LocalShareRef:    storage.LocalShareKey(account),
		VerifierKind:     identity.Kind,
	}); err != nil {
		op.logger.WithField("error", err).Warn("Failed to update binding")
	}
	op.done()
	return nil
}
