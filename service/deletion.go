package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/nodeclient"
)

// DeleteWallet zeroes the account's shares on the nodes, then removes the
// device share and binding, then the cloud replica. Every step is attempted
// regardless of earlier failures; failures are only logged.
func (m *Manager) DeleteWallet(ctx context.Context, account string) {
	account = types.NormalizeAccount(account)
	logger := m.logger.WithFields(logrus.Fields{
		"operation": "deletion",
		"account":   account,
	})

	m.zeroRemoteShares(ctx, logger, account)

	if err := m.storage.RemoveLocal(ctx, account); err != nil {
		logger.WithField("error", err).Error("Failed to remove local share")
	}
	if err := m.storage.RemoveBinding(ctx, account); err != nil {
		logger.WithField("error", err).Error("Failed to remove account binding")
	}
	if err := m.storage.RemoveCloud(ctx, account); err != nil {
		logger.WithField("error", err).Error("Failed to remove cloud share")
	}
	m.incCounter("deletion.completed", nil)
	logger.Info("Wallet deleted")
}

func (m *Manager) zeroRemoteShares(ctx context.Context, logger *logrus.Entry, account string) {
	identity, err := m.identity.Login(ctx, m.verifierFor(ctx, account))
	if err != nil {
		logger.WithField("error", err).Warn("Skipping remote share removal, sign-in failed")
		return
	}
	dir, err := m.nodes.ListNodes(ctx, *identity, false)
	if err != nil {
		logger.WithField("error", err).Warn("Skipping remote share removal, no directory")
		return
	}
	// the key comes from the binding since deletion never rebuilds the wallet
	var accountPub string
	if binding, err := m.storage.Binding(ctx, account); err == nil {
		accountPub = binding.AccountPublicKey
	}
	pushes := make([]nodeclient.Push, 0, len(dir.Nodes))
	for _, node := range dir.Nodes {
		pushes = append(pushes, nodeclient.Push{
			Node:             node,
			AccountPublicKey: accountPub,
			HexShare:         nodeclient.ZeroShare,
		})
	}
	failed := 0
	for _, r := range m.nodes.PushShares(ctx, pushes, *identity) {
		if !r.OK() {
			failed++
		}
	}
	logger.WithFields(logrus.Fields{
		"nodes":  len(pushes),
		"failed": failed,
	}).Info("Zeroed remote shares")
}
