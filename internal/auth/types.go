// Package auth keeps the local user directory and the signed session cookie
// that identifies a browser or CLI client.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	xerrors "AgentBounty/internal/errors"
)

// User is an account of the local directory.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Disabled     bool
	CreatedAt    time.Time
}

// Profile is the identity attached to a request.
type Profile struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Demo  bool   `json:"demo,omitempty"`
}

// Profile returns the public view of u.
func (u *User) Profile() *Profile {
	return &Profile{Sub: u.ID, Email: u.Email, Name: u.Name}
}

// Store is the user directory. Implementations must be safe for concurrent
// use.
type Store interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
	// Upsert inserts u or replaces the user with the same email.
	Upsert(ctx context.Context, u *User) error
}

const (
	CodeInvalidCredentials xerrors.Code = "AUTH_INVALID_CREDENTIALS"
	CodeUserNotFound       xerrors.Code = "AUTH_USER_NOT_FOUND"
)

var (
	ErrInvalidCredentials = xerrors.New(CodeInvalidCredentials, "Invalid email or password")
	ErrNotAuthenticated   = xerrors.New(xerrors.CodeUnauthenticated, "Not authenticated")
	ErrUserDisabled       = xerrors.New(xerrors.CodeForbidden, "Account is disabled")
	ErrUserNotFound       = xerrors.New(CodeUserNotFound, "user not found")
)

func init() {
	xerrors.Register(CodeInvalidCredentials, xerrors.Attributes{
		Message:    "invalid credentials",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{
		Message:    "user not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "password cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "hash password")
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneUser(u *User) *User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
