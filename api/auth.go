package api

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

// Claims are the id-token claims the reference verifier issues and checks.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.StandardClaims
}

const (
	expireDuration = 24 * time.Hour
)

// AuthService issues and validates HS256 id-tokens for the custom verifier.
// Without a secret tokens are parsed but not verified, which is only meant
// for local development.
type AuthService struct {
	JWTSecret []byte
}

func NewAuthService(secret string) *AuthService {
	return &AuthService{
		JWTSecret: []byte(secret),
	}
}

func (a *AuthService) GenerateToken(email string) (string, error) {
	if email == "" {
		return "", errors.New("email is required")
	}
	claims := &Claims{
		Email: email,
		StandardClaims: jwt.StandardClaims{
			Subject:   email,
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(expireDuration).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.JWTSecret)
}

func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	if len(a.JWTSecret) == 0 {
		if _, _, err := new(jwt.Parser).ParseUnverified(tokenStr, claims); err != nil {
			return nil, errors.New("malformed token")
		}
		if err := claims.Valid(); err != nil {
			return nil, errors.New("invalid or expired token")
		}
		return claims, nil
	}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.JWTSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid or expired token")
	}
	return claims, nil
}

// Authorize checks that the token is valid and was issued to verifierID.
func (a *AuthService) Authorize(tokenStr, verifierID string) error {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return err
	}
	id := strings.ToLower(verifierID)
	if strings.ToLower(claims.Email) != id && strings.ToLower(claims.Subject) != id {
		return errors.New("token was not issued to this verifier id")
	}
	return nil
}
