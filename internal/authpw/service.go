// Package authpw provides username/email and password authentication.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"mindhaven/api/internal/store"
	"mindhaven/api/internal/util"
)

type Service struct {
	store UserStore
}

type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

type RegisterRequest struct {
	Username string
	Email    string
	Password string
	FullName string
}

var (
	ErrInvalidInput       = errors.New("username, email and password are required")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrEmailTaken         = errors.New("email already registered")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Register creates an active account right away. New accounts always start
// with the user role; admins are provisioned out of band.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (store.User, error) {
	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if username == "" || email == "" || req.Password == "" {
		return store.User{}, ErrInvalidInput
	}
	if len(req.Password) < 8 {
		return store.User{}, ErrWeakPassword
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		Email:        email,
		PasswordHash: string(hash),
		Role:         "user",
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login authenticates by email or username. Lookup misses and password
// mismatches collapse into the same error so callers cannot probe accounts.
func (s *Service) Login(ctx context.Context, identifier, password string) (store.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, identifier)
	if err != nil {
		user, err = s.store.GetUserByUsername(ctx, identifier)
	}
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
