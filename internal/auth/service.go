package auth

import (
	"context"

	"go.uber.org/zap"

	"github.com/metricsplay/client/internal/models"
)

// Backend is the subset of the REST client used for authentication.
type Backend interface {
	Login(ctx context.Context, req models.AuthRequest) (*models.AuthResponse, error)
	Signup(ctx context.Context, req models.AuthRequest) (*models.AuthResponse, error)
}

// Service logs users in and out and keeps the credential store current.
type Service struct {
	backend Backend
	store   *Store
	logger  *zap.Logger
}

// NewService creates an auth service.
func NewService(backend Backend, store *Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, store: store, logger: logger}
}

// Login authenticates and stores the returned token.
func (s *Service) Login(ctx context.Context, username, password string) error {
	s.logger.Info("attempting login", zap.String("username", username))
	resp, err := s.backend.Login(ctx, models.AuthRequest{Username: username, Password: password})
	if err != nil {
		s.logger.Warn("login failed", zap.String("username", username), zap.Error(err))
		return err
	}
	return s.store.Save(username, resp.Token)
}

// Signup registers a user and stores the returned token.
func (s *Service) Signup(ctx context.Context, username, password string) error {
	s.logger.Info("attempting signup", zap.String("username", username))
	resp, err := s.backend.Signup(ctx, models.AuthRequest{Username: username, Password: password})
	if err != nil {
		s.logger.Warn("signup failed", zap.String("username", username), zap.Error(err))
		return err
	}
	return s.store.Save(username, resp.Token)
}

// Logout clears stored credentials.
func (s *Service) Logout() error {
	return s.store.Clear()
}
