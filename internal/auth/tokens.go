// Package auth issues and validates the relay's access and refresh tokens
// and manages device secrets.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenInvalid = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// SubjectType distinguishes the two client identities the relay serves.
type SubjectType string

const (
	SubjectDevice     SubjectType = "device"
	SubjectController SubjectType = "controller"
)

func ParseSubjectType(raw string) (SubjectType, error) {
	switch SubjectType(raw) {
	case SubjectDevice:
		return SubjectDevice, nil
	case SubjectController:
		return SubjectController, nil
	default:
		return "", fmt.Errorf("%w: unknown subject type %q", ErrTokenInvalid, raw)
	}
}

// Claims are the signed claims carried by both token kinds. Refresh tokens
// additionally carry Refresh=true and may only be used to mint new access
// tokens.
type Claims struct {
	jwt.RegisteredClaims
	Type    SubjectType `json:"type"`
	Refresh bool        `json:"refresh,omitempty"`
}

// TokenPair is what registration and login hand back to a client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // access token lifetime, seconds
}

// Authority mints and validates tokens with a single HS256 secret.
type Authority struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewAuthority(secret string, accessTTL, refreshTTL time.Duration) *Authority {
	return &Authority{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Test use only.
func (a *Authority) WithClock(now func() time.Time) *Authority {
	a.now = now
	return a
}

// MintPair issues an access+refresh token pair for the subject.
func (a *Authority) MintPair(subjectID string, subjectType SubjectType) (TokenPair, error) {
	access, err := a.mint(subjectID, subjectType, a.accessTTL, false)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := a.mint(subjectID, subjectType, a.refreshTTL, true)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(a.accessTTL.Seconds()),
	}, nil
}

func (a *Authority) mint(subjectID string, subjectType SubjectType, ttl time.Duration, refresh bool) (string, error) {
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Type:    subjectType,
		Refresh: refresh,
	})
	return token.SignedString(a.secret)
}

// Validate checks an access token and returns its subject. Refresh tokens are
// rejected here; they are only accepted by Refresh.
func (a *Authority) Validate(tokenString string) (string, SubjectType, error) {
	claims, err := a.parse(tokenString)
	if err != nil {
		return "", "", err
	}
	if claims.Refresh {
		return "", "", fmt.Errorf("%w: refresh token used as access token", ErrTokenInvalid)
	}
	return claims.Subject, claims.Type, nil
}

// Refresh validates a refresh token and mints a new access token for its
// subject. An expired refresh token means the caller must re-pair; there is
// no further fallback.
func (a *Authority) Refresh(refreshToken string) (string, int64, error) {
	claims, err := a.parse(refreshToken)
	if err != nil {
		return "", 0, err
	}
	if !claims.Refresh {
		return "", 0, fmt.Errorf("%w: access token used as refresh token", ErrTokenInvalid)
	}
	access, err := a.mint(claims.Subject, claims.Type, a.accessTTL, false)
	if err != nil {
		return "", 0, err
	}
	return access, int64(a.accessTTL.Seconds()), nil
}

func (a *Authority) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if _, err := ParseSubjectType(string(claims.Type)); err != nil {
		return nil, err
	}
	return claims, nil
}
