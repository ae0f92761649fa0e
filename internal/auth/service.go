package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matthewbub/wussup.chat-sub003/internal/config"
)

const DefaultCookieName = "__session"

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
)

// Service verifies HS256 identity tokens issued by the identity provider.
type Service struct {
	secret         []byte
	issuer         string
	audience       string
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
	now            func() time.Time
}

func NewService(cfg config.AuthConfig) (*Service, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("auth jwt secret must be provided")
	}
	cookie := cfg.CookieName
	if cookie == "" {
		cookie = DefaultCookieName
	}
	return &Service{
		secret:         []byte(cfg.JWTSecret),
		issuer:         cfg.Issuer,
		audience:       cfg.Audience,
		cookieName:     cookie,
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
		now:            time.Now,
	}, nil
}

// IssueToken signs a token for userID. The identity provider normally does
// this; it is used by tooling and tests.
func (s *Service) IssueToken(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("invalid user id")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies the signature and claims and returns the subject.
func (s *Service) ValidateToken(raw string) (string, error) {
	if raw == "" {
		return "", ErrTokenRequired
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.New("token expired")
		}
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) AuthCookieName() string {
	return s.cookieName
}

func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
