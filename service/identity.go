package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/sssrecovery/internal/jwt"
	"github.com/vultisig/sssrecovery/internal/types"
)

// IdentityAdapter authenticates the user with an identity provider.
// Implementations return types.ErrUserCancelled when the user backs out.
type IdentityAdapter interface {
	Login(ctx context.Context, kind types.VerifierKind) (*types.Identity, error)
}

// TokenSource produces an id-token for a provider.
type TokenSource interface {
	Token(ctx context.Context, kind types.VerifierKind) (string, error)
}

type TokenSourceFunc func(ctx context.Context, kind types.VerifierKind) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context, kind types.VerifierKind) (string, error) {
	return f(ctx, kind)
}

// TokenAdapter turns an id-token into an Identity. The token is not verified
// here, the share nodes do that.
type TokenAdapter struct {
	verifiers map[types.VerifierKind]string
	source    TokenSource
	logger    *logrus.Logger
}

func NewTokenAdapter(verifiers map[types.VerifierKind]string, source TokenSource, logger *logrus.Logger) *TokenAdapter {
	if logger == nil {
		logger = logrus.WithField("service", "identity").Logger
	}
	return &TokenAdapter{
		verifiers: verifiers,
		source:    source,
		logger:    logger,
	}
}

func (a *TokenAdapter) Login(ctx context.Context, kind types.VerifierKind) (*types.Identity, error) {
	name, ok := a.verifiers[kind]
	if !ok || name == "" {
		return nil, fmt.Errorf("%w: no verifier configured for %s", types.ErrAdapter, kind)
	}
	token, err := a.source.Token(ctx, kind)
	if errors.Is(err, types.ErrUserCancelled) || errors.Is(err, context.Canceled) {
		return nil, types.ErrUserCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAdapter, err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.ErrUserCancelled
	}
	verifierID, err := verifierIDFromToken(kind, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrAdapter, err)
	}
	a.logger.WithFields(logrus.Fields{
		"verifier": name,
		"kind":     kind,
	}).Info("Identity authenticated")
	return &types.Identity{
		Kind:         kind,
		VerifierName: name,
		VerifierID:   verifierID,
		Token:        token,
	}, nil
}

// verifierIDFromToken reads the e-mail claim for google and apple and the
// subject for the custom verifier.
func verifierIDFromToken(kind types.VerifierKind, token string) (string, error) {
	if kind == types.VerifierCustom {
		return jwt.UnverifiedClaim(token, "sub")
	}
	return jwt.UnverifiedClaim(token, "email")
}

// CustomTokenSource exchanges an e-mail address for an id-token at the
// custom verifier's token endpoint.
type CustomTokenSource struct {
	url    string
	client http.Client
	email  func(ctx context.Context) (string, error)
}

func NewCustomTokenSource(url string, email func(ctx context.Context) (string, error)) *CustomTokenSource {
	return &CustomTokenSource{
		url:    url,
		client: http.Client{Timeout: 10 * time.Second},
		email:  email,
	}
}

func (c *CustomTokenSource) Token(ctx context.Context, kind types.VerifierKind) (string, error) {
	if kind != types.VerifierCustom {
		return "", fmt.Errorf("custom token source cannot sign in with %s", kind)
	}
	email, err := c.email(ctx)
	if err != nil {
		return "", err
	}
	req := types.IssueTokenRequest{Email: strings.TrimSpace(email)}
	if req.Email == "" {
		return "", types.ErrUserCancelled
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("fail to marshal token request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("fail to create token request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("fail to request token: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fail to request token: %s", resp.Status)
	}
	var out types.IssueTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("fail to decode token response: %w", err)
	}
	return out.IDToken, nil
}

// PasscodeProvider asks the user for the device passcode.
type PasscodeProvider interface {
	Passcode(ctx context.Context) (string, error)
}

type PasscodeFunc func(ctx context.Context) (string, error)

func (f PasscodeFunc) Passcode(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticPasscode always returns the same passcode.
func StaticPasscode(passcode string) PasscodeProvider {
	return PasscodeFunc(func(ctx context.Context) (string, error) {
		return passcode, nil
	})
}
