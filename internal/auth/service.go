package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	RoleAgent  = "agent"
	RoleAdmin  = "admin"
	RoleKeeper = "keeper"
)

var (
	ErrInvalidRole     = errors.New("invalid_role")
	ErrInvalidIdentity = errors.New("invalid_identity")
)

// Service issues and checks access tokens. Identities are opaque agent ids;
// the ledger trusts whatever identity a valid token names.
type Service struct {
	jwt       *JWTManager
	accessTTL time.Duration
}

func NewService(jwt *JWTManager, accessTTL time.Duration) *Service {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &Service{jwt: jwt, accessTTL: accessTTL}
}

func (s *Service) AccessTTL() time.Duration {
	return s.accessTTL
}

func (s *Service) IssueToken(identity, role string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", ErrInvalidIdentity
	}
	if !ValidRole(role) {
		return "", ErrInvalidRole
	}
	return s.jwt.Mint(identity, role, TokenTypeAccess, s.accessTTL)
}

func (s *Service) Authenticate(token string) (*Claims, error) {
	claims, err := s.jwt.Parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess || strings.TrimSpace(claims.Identity) == "" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

func ValidRole(role string) bool {
	switch role {
	case RoleAgent, RoleAdmin, RoleKeeper:
		return true
	}
	return false
}
