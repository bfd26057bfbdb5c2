package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := sqldb.Open(ctx, sqldb.Config{
				Driver: sqldb.DriverSQLite,
				DSN:    "file:" + filepath.Join(t.TempDir(), "users.db") + "?_busy_timeout=5000",
			})
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			_, err = db.Migrate(ctx)
			require.NoError(t, err)
			store, err := NewSQLStore(db)
			require.NoError(t, err)
			return store
		},
	}
}

func newTestService(t *testing.T, store Store) *Service {
	t.Helper()
	_, err := ApplySeeds(context.Background(), store, []Seed{
		{Email: "Alice@Example.com", Name: "Alice", Password: "wonderland"},
		{Email: "mallory@example.com", Password: "secret", Disabled: true},
	})
	require.NoError(t, err)
	svc, err := NewService(store, Config{Secret: "test-secret-test-secret", TTL: time.Hour})
	require.NoError(t, err)
	return svc
}

func TestLogin(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := newTestService(t, open(t))

			sess, err := svc.Login(ctx, "alice@example.com", "wonderland")
			require.NoError(t, err)
			require.Equal(t, UserIDFor("alice@example.com"), sess.Profile.Sub)
			require.Equal(t, "Alice", sess.Profile.Name)

			profile, err := svc.Verify(sess.Token)
			require.NoError(t, err)
			require.Equal(t, *sess.Profile, *profile)

			_, err = svc.Login(ctx, "alice@example.com", "nope")
			require.ErrorIs(t, err, ErrInvalidCredentials)
			_, err = svc.Login(ctx, "ghost@example.com", "x")
			require.ErrorIs(t, err, ErrInvalidCredentials)
			_, err = svc.Login(ctx, "mallory@example.com", "secret")
			require.Equal(t, http.StatusForbidden, xerrors.HTTPStatusOf(err))

			email, display := svc.Recipient(ctx, sess.Profile.Sub)
			require.Equal(t, "alice@example.com", email)
			require.Equal(t, "Alice", display)
		})
	}
}

func TestVerifyRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	sess, err := svc.Issue(&Profile{Sub: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	other, err := NewService(NewMemoryStore(), Config{Secret: "another-secret"})
	require.NoError(t, err)
	_, err = other.Verify(sess.Token)
	require.Equal(t, xerrors.CodeUnauthenticated, xerrors.CodeOf(err))

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.Verify(sess.Token)
	require.Error(t, err)
}

func TestMiddlewareAttachesProfile(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	sess, err := svc.Issue(&Profile{Sub: "u1", Email: "u1@example.com", Name: "U"})
	require.NoError(t, err)

	var seen string
	h := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	rec := httptest.NewRecorder()
	svc.SetCookie(rec, sess)
	cookie := rec.Result().Cookies()[0]
	require.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "u1", seen)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+sess.Token)
	seen = ""
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "u1", seen)

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	seen = "unchanged"
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Empty(t, seen)
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`users:
  - email: bob@example.com
    name: Bob
    password: builder
  - email: ""
    password: skipped
`), 0o600))

	seeds, err := LoadSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)

	store := NewMemoryStore()
	n, err := ApplySeeds(context.Background(), store, seeds)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	u, err := store.FindByEmail(context.Background(), "BOB@example.com")
	require.NoError(t, err)
	require.True(t, CheckPassword(u.PasswordHash, "builder"))
	require.Equal(t, UserIDFor("bob@example.com"), u.ID)
}
