package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/common"
	"github.com/vultisig/sssrecovery/internal/polynomial"
	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/storage"
)

// Create links a wallet to the user's social identity. With a nil
// privateKey a new key is generated, otherwise the given 32-byte key is
// imported. An identity that already has a social key keeps it; a new
// identity gets one split across the share nodes.
func (m *Manager) Create(ctx context.Context, kind types.VerifierKind, privateKey []byte) (*RecoveredKey, error) {
	op := m.begin("create")
	identity, err := m.login(ctx, op, kind)
	if err != nil {
		return nil, op.fail(err)
	}
	passcode, err := m.askPasscode(ctx)
	if err != nil {
		return nil, op.fail(err)
	}

	var k *big.Int
	if privateKey == nil {
		if k, err = polynomial.RandomScalar(); err != nil {
			return nil, op.fail(err)
		}
	} else {
		k = new(big.Int).SetBytes(privateKey)
	}
	defer polynomial.WipeInt(k)
	walletKey, walletRaw, err := toECDSA(k)
	if err != nil {
		return nil, op.fail(err)
	}
	defer wipeKey(walletKey)
	account := addressOf(walletKey)
	accountPub := publicKeyHex(walletKey)

	op.enter(StateFetchingNodeDirectory)
	dir, err := m.nodes.ListNodes(ctx, *identity, false)
	if err != nil {
		common.Wipe(walletRaw)
		return nil, op.fail(err)
	}

	var s *big.Int
	if dir.IsNew {
		if s, err = polynomial.RandomScalar(); err != nil {
			common.Wipe(walletRaw)
			return nil, op.fail(err)
		}
		if err := m.distributeSocialKey(ctx, op, identity, s, accountPub); err != nil {
			polynomial.WipeInt(s)
			common.Wipe(walletRaw)
			return nil, op.fail(err)
		}
	} else {
		if s, err = m.fetchSocialKey(ctx, op, identity, dir); err != nil {
			common.Wipe(walletRaw)
			return nil, op.fail(err)
		}
	}
	defer polynomial.WipeInt(s)
	socialKey, socialRaw, err := toECDSA(s)
	if err != nil {
		common.Wipe(walletRaw)
		return nil, op.fail(err)
	}
	defer common.Wipe(socialRaw)
	defer wipeKey(socialKey)

	op.enter(StateValidatingAccount)
	existing, err := m.loadWalletInfo(ctx, socialKey)
	switch {
	case err == nil && existing.Address != account:
		common.Wipe(walletRaw)
		return nil, op.fail(fmt.Errorf("%w: identity is already linked to %s", types.ErrAccountMismatch, existing.Address))
	case err != nil && !errors.Is(err, types.ErrNoWalletInfo):
		common.Wipe(walletRaw)
		return nil, op.fail(err)
	}

	if err := m.splitWallet(ctx, op, k, socialKey, s, account, accountPub, passcode, identity.Kind); err != nil {
		common.Wipe(walletRaw)
		return nil, op.fail(err)
	}
	op.done()
	return &RecoveredKey{Address: account, key: walletRaw}, nil
}

// splitWallet builds the wallet line through (0, k) and a new social share
// (i, s), publishes i under the social key and stores cloud and device
// shares.
func (m *Manager) splitWallet(ctx context.Context, op *operation, k *big.Int, socialKey *ecdsa.PrivateKey, s *big.Int, account, accountPub, passcode string, kind types.VerifierKind) error {
	socialIndex, err := polynomial.RandomIndex()
	if err != nil {
		return err
	}
	wallet, err := polynomial.Through(k, polynomial.NewPoint(socialIndex, s))
	if err != nil {
		return err
	}
	defer wallet.Wipe()

	info := types.WalletInfo{
		ShareIndex: polynomial.Hex(socialIndex),
		Address:    account,
	}
	if err := m.metadata.SetValue(ctx, socialKey, WalletInfoField, info); err != nil {
		return fmt.Errorf("fail to store wallet info: %w", err)
	}

	if m.storage.HasCloud() {
		if err := writeShare(wallet, func(share types.WalletShare) error {
			return m.storage.WriteCloud(ctx, account, share)
		}); err != nil {
			op.logger.WithFields(logrus.Fields{
				"account": account,
				"error":   err,
			}).Warn("Failed to store cloud share")
		}
	}
	if err := writeShare(wallet, func(share types.WalletShare) error {
		return m.storage.WriteLocal(ctx, account, passcode, share)
	}); err != nil {
		return err
	}
	return m.storage.SaveBinding(ctx, types.WalletAccountBinding{
		AccountID:        account,
		AccountPublicKey: accountPub,
		LocalShareRef:    storage.LocalShareKey(account),
		VerifierKind:     kind,
	})
}

// writeShare evaluates the wallet polynomial at a fresh random index and
// hands the share to write.
func writeShare(wallet *polynomial.Polynomial, write func(types.WalletShare) error) error {
	idx, err := polynomial.RandomIndex()
	if err != nil {
		return err
	}
	point, err := wallet.Share(idx)
	if err != nil {
		return err
	}
	defer wipePoints([]polynomial.Point{point})
	return write(shareFromPoint(point))
}
