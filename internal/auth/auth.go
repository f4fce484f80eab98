package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSecretRequired = errors.New("auth: jwt secret required")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrSubjectMissing = errors.New("auth: token has no subject")
)

// Claims is the subset of a Supabase access token the server reads.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies Supabase-issued HS256 access tokens. Sign-up and login stay with Supabase.
type Service struct {
	secret   []byte
	audience string
}

func NewService(secret, audience string) (*Service, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrSecretRequired
	}

	return &Service{
		secret:   []byte(secret),
		audience: strings.TrimSpace(audience),
	}, nil
}

// VerifyToken validates signature, expiry and audience and returns the claims.
func (s *Service) VerifyToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.audience != "" {
		options = append(options, jwt.WithAudience(s.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, options...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrSubjectMissing
	}

	return claims, nil
}

// SignToken issues a token shaped like a Supabase access token. Used by tests and local tooling.
func (s *Service) SignToken(subject, email string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now().UTC()
	claims := Claims{
		Email: email,
		Role:  "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
