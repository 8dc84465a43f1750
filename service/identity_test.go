package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vultisig/sssrecovery/internal/types"
	"github.com/vultisig/sssrecovery/service"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("any"))
	require.NoError(t, err)
	return token
}

func TestTokenAdapterLogin(t *testing.T) {
	tests := []struct {
		name    string
		kind    types.VerifierKind
		token   string
		err     error
		wantID  string
		wantErr error
	}{
		{
			name:   "google uses email",
			kind:   types.VerifierGoogle,
			token:  signedToken(t, jwt.MapClaims{"email": "g@example.com", "sub": "1234"}),
			wantID: "g@example.com",
		},
		{
			name:   "custom uses subject",
			kind:   types.VerifierCustom,
			token:  signedToken(t, jwt.MapClaims{"email": "c@example.com", "sub": "user-7"}),
			wantID: "user-7",
		},
		{
			name:    "missing claim",
			kind:    types.VerifierApple,
			token:   signedToken(t, jwt.MapClaims{"sub": "1234"}),
			wantErr: types.ErrAdapter,
		},
		{
			name:    "malformed token",
			kind:    types.VerifierGoogle,
			token:   "not-a-jwt",
			wantErr: types.ErrAdapter,
		},
		{
			name:    "provider failure",
			kind:    types.VerifierGoogle,
			err:     errors.New("network down"),
			wantErr: types.ErrAdapter,
		},
		{
			name:    "cancelled context",
			kind:    types.VerifierGoogle,
			err:     context.Canceled,
			wantErr: types.ErrUserCancelled,
		},
		{
			name:    "no verifier configured",
			kind:    types.VerifierKind("github"),
			token:   signedToken(t, jwt.MapClaims{"email": "x@example.com"}),
			wantErr: types.ErrAdapter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := service.TokenSourceFunc(func(ctx context.Context, kind types.VerifierKind) (string, error) {
				return tt.token, tt.err
			})
			adapter := service.NewTokenAdapter(testVerifiers, source, quietLogger())
			identity, err := adapter.Login(context.Background(), tt.kind)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, identity.VerifierID)
			assert.Equal(t, testVerifiers[tt.kind], identity.VerifierName)
			assert.Equal(t, tt.kind, identity.Kind)
			assert.NoError(t, identity.IsValid())
		})
	}
}

func TestCustomTokenSource(t *testing.T) {
	net := newNetwork(t)
	source := service.NewCustomTokenSource(net.url+"/token", func(ctx context.Context) (string, error) {
		return "custom-user@example.com", nil
	})
	adapter := service.NewTokenAdapter(testVerifiers, source, quietLogger())

	identity, err := adapter.Login(context.Background(), types.VerifierCustom)
	require.NoError(t, err)
	assert.Equal(t, "custom-user@example.com", identity.VerifierID)
	assert.NoError(t, net.server.Auth().Authorize(identity.Token, identity.VerifierID))

	_, err = source.Token(context.Background(), types.VerifierGoogle)
	assert.Error(t, err)
}

func TestCustomTokenSourceEmptyEmail(t *testing.T) {
	net := newNetwork(t)
	source := service.NewCustomTokenSource(net.url+"/token", func(ctx context.Context) (string, error) {
		return "", nil
	})
	_, err := source.Token(context.Background(), types.VerifierCustom)
	assert.ErrorIs(t, err, types.ErrUserCancelled)
}
