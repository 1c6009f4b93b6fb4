package user

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sultanranait/Claraly/internal/platform/auth"
)

var (
	ErrMissingCredentials = errors.New("email and password are required")
	ErrWrongPassword      = errors.New("wrong password")
)

type Service struct {
	repo   Repository
	tokens *auth.Tokens
	logger zerolog.Logger
}

func NewService(repo Repository, tokens *auth.Tokens, logger zerolog.Logger) *Service {
	return &Service{repo: repo, tokens: tokens, logger: logger}
}

func (s *Service) Signup(ctx context.Context, creds Credentials) (*User, error) {
	creds = creds.Normalize()
	if creds.Email == "" || creds.Password == "" {
		return nil, ErrMissingCredentials
	}

	hash, err := auth.HashPassword(creds.Password)
	if err != nil {
		return nil, err
	}
	u := &User{
		ID:           uuid.New(),
		Email:        creds.Email,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", u.ID.String()).Msg("user signed up")
	return u, nil
}

// Login checks the password and returns a signed access token.
func (s *Service) Login(ctx context.Context, creds Credentials) (string, error) {
	creds = creds.Normalize()
	if creds.Email == "" || creds.Password == "" {
		return "", ErrMissingCredentials
	}

	u, err := s.repo.GetByEmail(ctx, creds.Email)
	if err != nil {
		return "", err
	}
	if err := auth.CheckPassword(u.PasswordHash, creds.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return "", ErrWrongPassword
		}
		return "", err
	}

	token, err := s.tokens.Issue(u.ID.String(), u.Email)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}
