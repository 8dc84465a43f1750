package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/common"
	"github.com/vultisig/sssrecovery/internal/types"
)

const (
	shareKeyPrefix   = "sss_"
	bindingKeyPrefix = "sss_binding_"
	accountsKey      = "sss_accounts"
)

func LocalShareKey(account string) string {
	return shareKeyPrefix + types.NormalizeAccount(account)
}

func CloudShareKey(account string) string {
	return shareKeyPrefix + types.NormalizeAccount(account)
}

func bindingKey(account string) string {
	return bindingKeyPrefix + types.NormalizeAccount(account)
}

// ShareStorage persists the device and cloud shares of wallets together with
// their account bindings. The cloud backend is optional.
type ShareStorage struct {
	mu     sync.Mutex
	local  SecretStore
	cloud  CloudStorage
	logger *logrus.Logger
}

func NewShareStorage(local SecretStore, cloud CloudStorage, logger *logrus.Logger) *ShareStorage {
	if logger == nil {
		logger = logrus.WithField("module", "share_storage").Logger
	}
	return &ShareStorage{
		local:  local,
		cloud:  cloud,
		logger: logger,
	}
}

func (s *ShareStorage) HasCloud() bool {
	return s.cloud != nil
}

func (s *ShareStorage) CloudName() string {
	if s.cloud == nil {
		return ""
	}
	return s.cloud.Name()
}

// ReadLocal decrypts the device share. It returns types.ErrNotFound when the
// device holds no share for the account.
func (s *ShareStorage) ReadLocal(ctx context.Context, account, passcode string) (*types.WalletShare, error) {
	blob, err := s.local.Get(ctx, LocalShareKey(account))
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fail to read local share: %w", types.ErrStorage, err)
	}
	plaintext, err := common.DecryptWithPasscode(passcode, string(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: fail to decrypt local share: %w", types.ErrStorage, err)
	}
	defer common.Wipe(plaintext)
	return decodeShare(plaintext)
}

func (s *ShareStorage) WriteLocal(ctx context.Context, account, passcode string, share types.WalletShare) error {
	if err := share.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStorage, err)
	}
	plaintext, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("%w: fail to encode share: %w", types.ErrStorage, err)
	}
	defer common.Wipe(plaintext)
	blob, err := common.EncryptWithPasscode(passcode, plaintext)
	if err != nil {
		return fmt.Errorf("%w: fail to encrypt local share: %w", types.ErrStorage, err)
	}
	if err := s.local.Set(ctx, LocalShareKey(account), []byte(blob)); err != nil {
		return fmt.Errorf("%w: fail to write local share: %w", types.ErrStorage, err)
	}
	return nil
}

func (s *ShareStorage) RemoveLocal(ctx context.Context, account string) error {
	if err := s.local.Delete(ctx, LocalShareKey(account)); err != nil {
		return fmt.Errorf("%w: fail to remove local share: %w", types.ErrStorage, err)
	}
	return nil
}

// ReadCloud returns types.ErrNotFound when there is no cloud backend or no
// replica for the account.
func (s *ShareStorage) ReadCloud(ctx context.Context, account string) (*types.WalletShare, error) {
	if s.cloud == nil {
		return nil, types.ErrNotFound
	}
	raw, err := s.cloud.GetItem(ctx, CloudShareKey(account))
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fail to read cloud share: %w", types.ErrStorage, err)
	}
	defer common.Wipe(raw)
	return decodeShare(raw)
}

func (s *ShareStorage) WriteCloud(ctx context.Context, account string, share types.WalletShare) error {
	if s.cloud == nil {
		return nil
	}
	if err := share.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrStorage, err)
	}
	raw, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("%w: fail to encode share: %w", types.ErrStorage, err)
	}
	defer common.Wipe(raw)
	if err := s.cloud.SetItem(ctx, CloudShareKey(account), raw); err != nil {
		return fmt.Errorf("%w: fail to write cloud share: %w", types.ErrStorage, err)
	}
	return nil
}

func (s *ShareStorage) RemoveCloud(ctx context.Context, account string) error {
	if s.cloud == nil {
		return nil
	}
	err := s.cloud.RemoveItem(ctx, CloudShareKey(account))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("%w: fail to remove cloud share: %w", types.ErrStorage, err)
	}
	return nil
}

func decodeShare(raw []byte) (*types.WalletShare, error) {
	var share types.WalletShare
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, fmt.Errorf("%w: fail to decode share: %w", types.ErrStorage, err)
	}
	if err := share.IsValid(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrStorage, err)
	}
	return &share, nil
}

// SaveBinding records the binding and adds the account to the index.
func (s *ShareStorage) SaveBinding(ctx context.Context, binding types.WalletAccountBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	binding.AccountID = types.NormalizeAccount(binding.AccountID)
	if binding.AccountID == "" {
		return fmt.Errorf("%w: account_id is required", types.ErrStorage)
	}
	now := time.Now().UTC()
	if existing, err := s.binding(ctx, binding.AccountID); err == nil {
		if binding.CreatedAt.IsZero() {
			binding.CreatedAt = existing.CreatedAt
		}
		if binding.AccountPublicKey == "" {
			binding.AccountPublicKey = existing.AccountPublicKey
		}
	}
	if binding.CreatedAt.IsZero() {
		binding.CreatedAt = now
	}
	binding.UpdatedAt = now
	if binding.LocalShareRef == "" {
		binding.LocalShareRef = LocalShareKey(binding.AccountID)
	}
	if s.cloud != nil && binding.CloudShareRef == "" {
		binding.CloudShareRef = CloudShareKey(binding.AccountID)
		binding.CloudProvider = s.cloud.Name()
	}

	raw, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("%w: fail to encode binding: %w", types.ErrStorage, err)
	}
	if err := s.local.Set(ctx, bindingKey(binding.AccountID), raw); err != nil {
		return fmt.Errorf("%w: fail to write binding: %w", types.ErrStorage, err)
	}

	accounts, err := s.accounts(ctx)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a == binding.AccountID {
			return nil
		}
	}
	return s.writeAccounts(ctx, append(accounts, binding.AccountID))
}

func (s *ShareStorage) Binding(ctx context.Context, account string) (*types.WalletAccountBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding(ctx, account)
}

func (s *ShareStorage) binding(ctx context.Context, account string) (*types.WalletAccountBinding, error) {
	raw, err := s.local.Get(ctx, bindingKey(account))
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fail to read binding: %w", types.ErrStorage, err)
	}
	var binding types.WalletAccountBinding
	if err := json.Unmarshal(raw, &binding); err != nil {
		return nil, fmt.Errorf("%w: fail to decode binding: %w", types.ErrStorage, err)
	}
	return &binding, nil
}

// Accounts lists the accounts that have a binding on this device.
func (s *ShareStorage) Accounts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts(ctx)
}

func (s *ShareStorage) accounts(ctx context.Context) ([]string, error) {
	raw, err := s.local.Get(ctx, accountsKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fail to read accounts: %w", types.ErrStorage, err)
	}
	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("%w: fail to decode accounts: %w", types.ErrStorage, err)
	}
	return accounts, nil
}

func (s *ShareStorage) writeAccounts(ctx context.Context, accounts []string) error {
	sort.Strings(accounts)
	raw, err := json.Marshal(accounts)
	if err != nil {
		return fmt.Errorf("%w: fail to encode accounts: %w", types.ErrStorage, err)
	}
	if err := s.local.Set(ctx, accountsKey, raw); err != nil {
		return fmt.Errorf("%w: fail to write accounts: %w", types.ErrStorage, err)
	}
	return nil
}

// RemoveBinding drops the binding and the index entry.
func (s *ShareStorage) RemoveBinding(ctx context.Context, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account = types.NormalizeAccount(account)
	if err := s.local.Delete(ctx, bindingKey(account)); err != nil {
		return fmt.Errorf("%w: fail to remove binding: %w", types.ErrStorage, err)
	}
	accounts, err := s.accounts(ctx)
	if err != nil {
		return err
	}
	kept := accounts[:0]
	for _, a := range accounts {
		if a != account {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(accounts) {
		return nil
	}
	s.logger.WithField("account", account).Info("Removed account binding")
	return s.writeAccounts(ctx, kept)
}
