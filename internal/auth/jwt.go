package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/models"
)

const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Claims carries the user id in Subject and the token type.
type Claims struct {
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid subject %q", c.Subject)
	}
	return uint(id), nil
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// GenerateToken signs a token of type typ for user.
func GenerateToken(user *models.User, typ string, cfg *config.Config) (string, time.Time, error) {
	ttl := time.Duration(cfg.JWTExpMinutes) * time.Minute
	if typ == TokenRefresh {
		ttl = time.Duration(cfg.JWTRefreshHours) * time.Hour
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := &Claims{
		Username: user.Username,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// IssueTokens signs an access and a refresh token for user.
func IssueTokens(user *models.User, cfg *config.Config) (TokenPair, error) {
	access, exp, err := GenerateToken(user, TokenAccess, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, _, err := GenerateToken(user, TokenRefresh, cfg)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// ParseToken validates tokenStr and checks it is of type typ.
func ParseToken(tokenStr, typ string, cfg *config.Config) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if claims.Type != typ {
		return nil, fmt.Errorf("expected %s token, got %q: %w", typ, claims.Type, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}
