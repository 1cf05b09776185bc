package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "driver@example.com",
		Password:    "supersafe",
		DisplayName: "Dana Driver",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleDriver {
		t.Fatalf("register: expected default role %s got %s", RoleDriver, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleDriver {
		t.Fatalf("verify token: expected role %s got %s", RoleDriver, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "staff@example.com",
		Password:    "short",
		DisplayName: "Sam Staff",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
	}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for missing fields, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "x@example.com",
		Password:    "strongpassword",
		DisplayName: "X",
		Role:        "customer",
	}); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration for unknown role, got %v", err)
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:       "staff@example.com",
		Password:    "strongpassword",
		DisplayName: "Sam Staff",
		Role:        RoleStaff,
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_EmailIsNormalized(t *testing.T) {
	repo := newFakeRepository()
	repo.caseSensitive = true
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Email:       "  Dana.Driver@Example.COM ",
		Password:    "strongpassword",
		DisplayName: "Dana Driver",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Email != "dana.driver@example.com" {
		t.Fatalf("expected stored email to be lowercased and trimmed, got %q", user.Email)
	}

	if _, err := svc.Register(ctx, RegisterRequest{
		Email:       "DANA.DRIVER@example.com",
		Password:    "strongpassword",
		DisplayName: "Dana Again",
	}); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail for a case variant, got %v", err)
	}

	for _, email := range []string{"dana.driver@example.com", " Dana.Driver@EXAMPLE.com\t"} {
		if _, err := svc.Login(ctx, LoginRequest{Email: email, Password: "strongpassword"}); err != nil {
			t.Fatalf("login with %q: %v", email, err)
		}
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_LoginInactiveUser(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	user, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "gone@example.com",
		Password:    "strongpassword",
		DisplayName: "Former Driver",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	repo.setStatus(user.ID, StatusInactive)

	_, err = svc.Login(context.Background(), LoginRequest{Email: "gone@example.com", Password: "strongpassword"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for inactive user, got %v", err)
	}
}

func TestService_VerifyTokenExpired(t *testing.T) {
	repo := newFakeRepository()
	issuedAt := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	svc := NewService(repo, "test-secret").WithClock(func() time.Time { return issuedAt })

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:       "driver@example.com",
		Password:    "strongpassword",
		DisplayName: "Dana Driver",
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(context.Background(), LoginRequest{Email: "driver@example.com", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	later := NewService(repo, "test-secret").WithClock(func() time.Time { return issuedAt.Add(25 * time.Hour) })
	if _, _, err := later.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}

	other := NewService(repo, "other-secret").WithClock(func() time.Time { return issuedAt })
	if _, _, err := other.VerifyToken(resp.Token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
}

func TestService_ListActiveDrivers(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	mustRegister := func(email string, role Role) *User {
		u, err := svc.Register(ctx, RegisterRequest{Email: email, Password: "strongpassword", DisplayName: email, Role: role})
		if err != nil {
			t.Fatalf("register %s: %v", email, err)
		}
		return u
	}
	mustRegister("a@example.com", RoleDriver)
	inactive := mustRegister("b@example.com", RoleDriver)
	mustRegister("c@example.com", RoleStaff)
	repo.setStatus(inactive.ID, StatusInactive)

	drivers, err := svc.ListActiveDrivers(ctx)
	if err != nil {
		t.Fatalf("list drivers: %v", err)
	}
	if len(drivers) != 1 || drivers[0].Email != "a@example.com" {
		t.Fatalf("unexpected drivers: %+v", drivers)
	}
}

type fakeRepository struct {
	usersByEmail  map[string]User
	usersByID     map[string]User
	order         []string
	nextID        int
	// caseSensitive keys emails verbatim so callers must normalize them.
	caseSensitive bool
}

func (f *fakeRepository) key(email string) string {
	if f.caseSensitive {
		return email
	}
	return strings.ToLower(email)
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:    make(map[string]User),
		nextID:       1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[f.key(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++

	user := User{
		ID:           id,
		Email:        params.Email,
		DisplayName:  params.DisplayName,
		PasswordHash: params.PasswordHash,
		Role:         params.Role,
		Status:       StatusActive,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	f.usersByEmail[f.key(user.Email)] = user
	f.usersByID[user.ID] = user
	f.order = append(f.order, user.ID)

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[f.key(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) ListByRoleAndStatus(ctx context.Context, role Role, status Status) ([]User, error) {
	var out []User
	for _, id := range f.order {
		u := f.usersByID[id]
		if u.Role == role && u.Status == status {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeRepository) setStatus(userID string, status Status) {
	u := f.usersByID[userID]
	u.Status = status
	f.usersByID[userID] = u
	f.usersByEmail[f.key(u.Email)] = u
}
