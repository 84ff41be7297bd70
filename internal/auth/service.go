package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// ErrInvalidToken covers malformed, expired and badly signed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Service signs and verifies HS256 bearer tokens.
type Service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewService constructs a new Service.
func NewService(secret, issuer string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("auth: secret required")
	}
	return &Service{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Generate signs a token for subject valid for ttl.
func (s *Service) Generate(subject, name string, roles []string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  name,
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates tokenString and returns the caller.
func (s *Service) Parse(tokenString string) (shared.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return shared.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return shared.Principal{}, ErrInvalidToken
	}
	return shared.Principal{Subject: claims.Subject, Name: claims.Name, Roles: claims.Roles}, nil
}
