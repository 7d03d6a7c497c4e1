package authpw

import (
	"context"
	"errors"
	"testing"
	"time"

	"studiodesk/api/internal/store"
)

type mockUserStore struct {
	users      map[string]store.User
	emailIndex map[string]string // email -> userID
	resets     map[string]struct {
		userID    string
		expiresAt time.Time
		used      bool
	}
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:      make(map[string]store.User),
		emailIndex: make(map[string]string),
		resets: make(map[string]struct {
			userID    string
			expiresAt time.Time
			used      bool
		}),
	}
}

func (m *mockUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if userID, ok := m.emailIndex[email]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	m.emailIndex[user.Email] = user.ID
	return nil
}

func (m *mockUserStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	if user, ok := m.users[userID]; ok {
		user.PasswordHash = passwordHash
		m.users[userID] = user
		return nil
	}
	return errors.New("user not found")
}

func (m *mockUserStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	m.resets[token] = struct {
		userID    string
		expiresAt time.Time
		used      bool
	}{userID: userID, expiresAt: expiresAt}
	return nil
}

func (m *mockUserStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	if reset, ok := m.resets[token]; ok && !reset.used && time.Now().Before(reset.expiresAt) {
		return reset.userID, nil
	}
	return "", errors.New("invalid or expired token")
}

func (m *mockUserStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	if reset, ok := m.resets[token]; ok {
		reset.used = true
		m.resets[token] = reset
	}
	return nil
}

func TestSignUp(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	t.Run("successful sign up", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "dana@mercergoods.com",
			Password:    "password123",
			DisplayName: "Dana Mercer",
			CompanyName: "Mercer Goods",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.UserID == "" {
			t.Error("expected UserID to be set")
		}

		user, _ := mockStore.GetUserByEmail(ctx, "dana@mercergoods.com")
		if user.Rank != "client" {
			t.Errorf("expected new accounts to get rank client, got %q", user.Rank)
		}
		if user.CompanyName != "Mercer Goods" {
			t.Errorf("expected company name to be stored, got %q", user.CompanyName)
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "dana@mercergoods.com",
			Password:    "password123",
			DisplayName: "Dana Again",
		})
		if err == nil {
			t.Error("expected error for duplicate email")
		}
	})

	t.Run("short password", func(t *testing.T) {
		_, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "kai@example.com",
			Password:    "short",
			DisplayName: "Kai",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		if _, err := svc.SignUp(ctx, SignUpRequest{}); err == nil {
			t.Error("expected error for missing fields")
		}
	})
}

func TestSignIn(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	if _, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "dana@mercergoods.com",
		Password:    "password123",
		DisplayName: "Dana Mercer",
	}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	t.Run("successful sign in", func(t *testing.T) {
		user, err := svc.SignIn(ctx, SignInRequest{
			Email:    "dana@mercergoods.com",
			Password: "password123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if user.Email != "dana@mercergoods.com" {
			t.Errorf("expected email dana@mercergoods.com, got %s", user.Email)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{
			Email:    "dana@mercergoods.com",
			Password: "wrongpassword",
		})
		if err == nil {
			t.Error("expected error for wrong password")
		}
	})

	t.Run("non-existent user", func(t *testing.T) {
		_, err := svc.SignIn(ctx, SignInRequest{
			Email:    "nobody@example.com",
			Password: "password123",
		})
		if err == nil {
			t.Error("expected error for non-existent user")
		}
	})

	t.Run("deactivated account", func(t *testing.T) {
		resp, err := svc.SignUp(ctx, SignUpRequest{
			Email:       "gone@example.com",
			Password:    "password123",
			DisplayName: "Former Client",
		})
		if err != nil {
			t.Fatalf("sign up: %v", err)
		}
		user := mockStore.users[resp.UserID]
		now := time.Now()
		user.DeactivatedAt = &now
		mockStore.users[resp.UserID] = user

		_, err = svc.SignIn(ctx, SignInRequest{
			Email:    "gone@example.com",
			Password: "password123",
		})
		if err == nil {
			t.Error("expected error for deactivated account")
		}
	})
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	mockStore := newMockUserStore()
	svc := NewService(mockStore)

	if _, err := svc.SignUp(ctx, SignUpRequest{
		Email:       "dana@mercergoods.com",
		Password:    "password123",
		DisplayName: "Dana Mercer",
	}); err != nil {
		t.Fatalf("sign up: %v", err)
	}

	t.Run("request reset for existing user", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "dana@mercergoods.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token == "" {
			t.Error("expected token to be generated")
		}
	})

	t.Run("request reset for non-existent user - no error", func(t *testing.T) {
		token, err := svc.RequestPasswordReset(ctx, "nobody@example.com")
		if err != nil {
			t.Errorf("expected no error for non-existent user, got: %v", err)
		}
		if token != "" {
			t.Error("expected empty token for non-existent user")
		}
	})

	t.Run("reset password with valid token", func(t *testing.T) {
		token, _ := svc.RequestPasswordReset(ctx, "dana@mercergoods.com")

		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       token,
			NewPassword: "newpassword123",
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "dana@mercergoods.com",
			Password: "password123",
		}); err == nil {
			t.Error("expected old password to stop working")
		}

		if _, err := svc.SignIn(ctx, SignInRequest{
			Email:    "dana@mercergoods.com",
			Password: "newpassword123",
		}); err != nil {
			t.Errorf("expected new password to work: %v", err)
		}
	})

	t.Run("token is single use", func(t *testing.T) {
		token, _ := svc.RequestPasswordReset(ctx, "dana@mercergoods.com")

		if err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       token,
			NewPassword: "anotherpass456",
		}); err != nil {
			t.Fatalf("first reset: %v", err)
		}

		if err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       token,
			NewPassword: "thirdpass789",
		}); err == nil {
			t.Error("expected error reusing a consumed token")
		}
	})

	t.Run("reset with invalid token", func(t *testing.T) {
		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       "invalid-token",
			NewPassword: "newpassword123",
		})
		if err == nil {
			t.Error("expected error for invalid token")
		}
	})

	t.Run("reset with short password", func(t *testing.T) {
		err := svc.ResetPassword(ctx, ResetPasswordRequest{
			Token:       "some-token",
			NewPassword: "short",
		})
		if err == nil {
			t.Error("expected error for short password")
		}
	})
}
