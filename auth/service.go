package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"contractflow/workflow"
)

var (
	// ErrInvalidToken signals a token that failed signature, expiry or claim checks.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret is returned when the signing secret is missing.
	ErrEmptySecret = errors.New("auth: empty jwt secret")
)

// Service issues and verifies participant tokens.
type Service struct {
	jwtSecret []byte
	ttl       time.Duration
	now       func() time.Time
}

// NewService creates a token service. A zero ttl defaults to 24 hours.
func NewService(jwtSecret string, ttl time.Duration) (*Service, error) {
	if jwtSecret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(jwtSecret),
		ttl:       ttl,
		now:       time.Now,
	}, nil
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Issue signs a token for the participant.
func (s *Service) Issue(p Participant) (string, error) {
	if p.UserID == "" {
		return "", fmt.Errorf("auth: missing user id")
	}
	if !p.Role.Valid() {
		return "", fmt.Errorf("auth: invalid role %q", p.Role)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"user_id":     p.UserID,
		"role":        string(p.Role),
		"name":        p.DisplayName,
		"contract_id": p.ContractID,
		"exp":         now.Add(s.ttl).Unix(),
		"iat":         now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return tokenString, nil
}

// Verify validates a token and returns the participant it was issued for.
func (s *Service) Verify(tokenString string) (Participant, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return Participant{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Participant{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Participant{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok {
		return Participant{}, fmt.Errorf("%w: missing role", ErrInvalidToken)
	}
	role := workflow.Role(roleStr)
	if !role.Valid() {
		return Participant{}, fmt.Errorf("%w: role %q", ErrInvalidToken, roleStr)
	}
	name, _ := claims["name"].(string)
	contractID, _ := claims["contract_id"].(string)

	return Participant{
		UserID:      userID,
		ContractID:  contractID,
		Role:        role,
		DisplayName: name,
	}, nil
}
