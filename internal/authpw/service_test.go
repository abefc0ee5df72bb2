package authpw

import (
	"context"
	"errors"
	"testing"

	"mindhaven/api/internal/store"
)

type mockUserStore struct {
	users         map[string]store.User
	emailIndex    map[string]string
	usernameIndex map[string]string
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:         make(map[string]store.User),
		emailIndex:    make(map[string]string),
		usernameIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	if userID, ok := m.usernameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	if user, ok := m.users[id]; ok {
		return user, nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(_ context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	m.usernameIndex[user.Username] = user.ID
	return nil
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("successful registration", func(t *testing.T) {
		svc := NewService(newMockUserStore())
		user, err := svc.Register(ctx, RegisterRequest{
			Username: "avery",
			Email:    "Avery@Example.com",
			Password: "password123",
			FullName: "Avery Quinn",
		})
		if err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if user.ID == "" {
			t.Fatal("expected generated user ID")
		}
		if user.Email != "avery@example.com" {
			t.Fatalf("email not normalized: %q", user.Email)
		}
		if user.Role != "user" {
			t.Fatalf("new accounts must start as user, got %q", user.Role)
		}
		if user.PasswordHash == "password123" || user.PasswordHash == "" {
			t.Fatal("password must be stored hashed")
		}
	})

	t.Run("rejects short password", func(t *testing.T) {
		svc := NewService(newMockUserStore())
		_, err := svc.Register(ctx, RegisterRequest{Username: "a", Email: "a@b.c", Password: "short"})
		if !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("Register() error = %v, want ErrWeakPassword", err)
		}
	})

	t.Run("rejects duplicate email", func(t *testing.T) {
		mock := newMockUserStore()
		svc := NewService(mock)
		if _, err := svc.Register(ctx, RegisterRequest{Username: "one", Email: "dupe@example.com", Password: "password123"}); err != nil {
			t.Fatalf("seed register: %v", err)
		}
		_, err := svc.Register(ctx, RegisterRequest{Username: "two", Email: "dupe@example.com", Password: "password123"})
		if !errors.Is(err, ErrEmailTaken) {
			t.Fatalf("Register() error = %v, want ErrEmailTaken", err)
		}
	})

	t.Run("rejects duplicate username", func(t *testing.T) {
		mock := newMockUserStore()
		svc := NewService(mock)
		if _, err := svc.Register(ctx, RegisterRequest{Username: "dupe", Email: "one@example.com", Password: "password123"}); err != nil {
			t.Fatalf("seed register: %v", err)
		}
		_, err := svc.Register(ctx, RegisterRequest{Username: "dupe", Email: "two@example.com", Password: "password123"})
		if !errors.Is(err, ErrUsernameTaken) {
			t.Fatalf("Register() error = %v, want ErrUsernameTaken", err)
		}
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	mock := newMockUserStore()
	svc := NewService(mock)

	seeded, err := svc.Register(ctx, RegisterRequest{
		Username: "avery",
		Email:    "avery@example.com",
		Password: "password123",
	})
	if err != nil {
		t.Fatalf("seed register: %v", err)
	}

	t.Run("by email", func(t *testing.T) {
		user, err := svc.Login(ctx, "avery@example.com", "password123")
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if user.ID != seeded.ID {
			t.Fatalf("logged in as %s, want %s", user.ID, seeded.ID)
		}
	})

	t.Run("by username", func(t *testing.T) {
		user, err := svc.Login(ctx, "avery", "password123")
		if err != nil {
			t.Fatalf("Login() error = %v", err)
		}
		if user.ID != seeded.ID {
			t.Fatalf("logged in as %s, want %s", user.ID, seeded.ID)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(ctx, "avery@example.com", "wrongpassword")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
		}
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := svc.Login(ctx, "nobody@example.com", "password123")
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Login() error = %v, want ErrInvalidCredentials", err)
		}
	})
}
