package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "typ" claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
	RefreshID    string
}

// Claims represents JWT payload.
type Claims struct {
	Role string `json:"role"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer issues and validates HS256 tokens.
type Signer struct {
	Key        string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

func (s Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Issue issues signed access and refresh tokens for p.
func (s Signer) Issue(p Principal) (TokenPair, error) {
	access, accessExp, err := s.sign(p, TypeAccess, s.AccessTTL, uuid.NewString())
	if err != nil {
		return TokenPair{}, err
	}
	refreshID := uuid.NewString()
	refresh, refreshExp, err := s.sign(p, TypeRefresh, s.RefreshTTL, refreshID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
		RefreshID:    refreshID,
	}, nil
}

// IssueAccess issues a new access token only.
func (s Signer) IssueAccess(p Principal) (string, time.Time, error) {
	return s.sign(p, TypeAccess, s.AccessTTL, uuid.NewString())
}

func (s Signer) sign(p Principal, typ string, ttl time.Duration, id string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: string(p.Kind),
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    s.Issuer,
			Subject:   p.subject(),
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.Key))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Parse validates a token of the given type and returns its principal and claims.
func (s Signer) Parse(tokenStr, typ string) (Principal, Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.Key), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Principal{}, Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Principal{}, Claims{}, errors.New("invalid token")
	}
	if s.Issuer != "" && claims.Issuer != s.Issuer {
		return Principal{}, Claims{}, errors.New("issuer mismatch")
	}
	if claims.Type != typ {
		return Principal{}, Claims{}, errors.New("wrong token type")
	}
	p, err := principalFromClaims(*claims)
	if err != nil {
		return Principal{}, Claims{}, err
	}
	return p, *claims, nil
}
