package party

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("party: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("party: password must be at least 8 characters")
)

// Service handles registration and authentication of principals. The JWT it
// issues identifies the caller on every engine invocation.
type Service struct {
	repo      Repository
	jwtSecret []byte
	idGen     func() string
}

// LoginResult bundles the token and party returned after a successful login.
type LoginResult struct {
	Token string
	Party Party
}

// NewService creates a new party service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		idGen:     func() string { return uuid.NewString() },
	}
}

// Register creates a new party account.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Party, error) {
	if len(req.Password) < 8 {
		return nil, ErrWeakPassword
	}
	if req.Email == "" || req.FullName == "" {
		return nil, fmt.Errorf("party: email and full_name are required")
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("party: hash password: %w", err)
	}

	p, err := s.repo.Create(ctx, CreateParams{
		ID:           s.idGen(),
		Email:        req.Email,
		FullName:     req.FullName,
		PasswordHash: string(passwordHash),
	})
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// Login authenticates a party and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	p, err := s.repo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	tok, err := s.generateToken(p.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("party: generate token: %w", err)
	}

	return LoginResult{Token: tok, Party: p}, nil
}

// GetByID retrieves party information by ID.
func (s *Service) GetByID(ctx context.Context, partyID string) (*Party, error) {
	p, err := s.repo.GetByID(ctx, partyID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// VerifyToken validates a JWT token and returns the party ID it identifies.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	tok, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("party: parse token: %w", err)
	}

	if claims, ok := tok.Claims.(jwt.MapClaims); ok && tok.Valid {
		partyID, ok := claims["party_id"].(string)
		if !ok {
			return "", fmt.Errorf("party: invalid party_id in token")
		}
		return partyID, nil
	}

	return "", fmt.Errorf("party: invalid token")
}

func (s *Service) generateToken(partyID string) (string, error) {
	claims := jwt.MapClaims{
		"party_id": partyID,
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(s.jwtSecret)
}
