package approval

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "AgentBounty/internal/errors"
	"AgentBounty/internal/storage/sqldb"
)

type captureMailer struct {
	mu       sync.Mutex
	subjects []string
	bodies   []string
	fail     bool
}

func (m *captureMailer) Send(_ context.Context, subject, content string, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp unavailable")
	}
	m.subjects = append(m.subjects, subject)
	m.bodies = append(m.bodies, content)
	return nil
}

var tokenPattern = regexp.MustCompile(`magic-link/approve/([0-9a-f]{64})`)

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.bodies)
	match := tokenPattern.FindStringSubmatch(m.bodies[len(m.bodies)-1])
	require.Len(t, match, 2)
	return match[1]
}

type approvals struct {
	mu    sync.Mutex
	tasks []string
}

func (a *approvals) MarkApproved(_ context.Context, taskID string) error {
	a.mu.Lock()
	a.tasks = append(a.tasks, taskID)
	a.mu.Unlock()
	return nil
}

type transitions map[string]int

func (t transitions) ApprovalTransition(status string) { t[status]++ }

type fixture struct {
	svc      *Service
	mailer   *captureMailer
	approved *approvals
	seen     transitions
	clock    *time.Time
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{mailer: &captureMailer{}, approved: &approvals{}, seen: transitions{}, clock: &now}
	f.svc = NewService(store,
		WithBaseURL("https://bounty.example/"),
		WithMailer(f.mailer),
		WithApprover(f.approved),
		WithObserver(f.seen),
	)
	f.svc.now = func() time.Time { return *f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func initiate(t *testing.T, f *fixture, taskID string) *Request {
	t.Helper()
	req, err := f.svc.Initiate(context.Background(), InitiateRequest{
		TaskID:      taskID,
		UserID:      "alice",
		Amount:      0.002,
		Description: "Travel plan for Lisbon",
		Recipient:   Recipient{Email: "alice@example.com", Name: "Alice"},
	})
	require.NoError(t, err)
	return req
}

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			ctx := context.Background()
			db, err := sqldb.Open(ctx, sqldb.Config{
				Driver: sqldb.DriverSQLite,
				DSN:    "file:" + filepath.Join(t.TempDir(), "approvals.db") + "?_busy_timeout=5000",
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

func TestInitiateCreatesOneOutstandingRequest(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			req := initiate(t, f, "task-1234567890")

			require.Equal(t, StatusPending, req.Status)
			require.Equal(t, "auth_req_"+req.ID[:8], req.AuthReqID)
			require.Equal(t, req.CreatedAt.Add(DefaultTTL), req.ExpiresAt)
			require.Equal(t, 1, f.seen["pending"])

			again := initiate(t, f, "task-1234567890")
			require.Equal(t, req.ID, again.ID)
			require.Len(t, f.mailer.subjects, 1)
			require.Equal(t, "Approve payment of $0.0020 USDC", f.mailer.subjects[0])
			require.Contains(t, f.mailer.bodies[0], "https://bounty.example/api/payments/magic-link/deny/")
			require.Contains(t, f.mailer.bodies[0], "Travel plan for Lisbon")
		})
	}
}

// slowLookup widens the window between the lookup and the insert of
// Initiate.
type slowLookup struct {
	Store
}

func (s slowLookup) LatestForTask(ctx context.Context, taskID string) (*Request, error) {
	req, err := s.Store.LatestForTask(ctx, taskID)
	time.Sleep(20 * time.Millisecond)
	return req, err
}

func TestStoreKeepsOnePendingRequestPerTask(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			ctx := context.Background()
			now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			pending := func(id string) *Request {
				return &Request{ID: id, AuthReqID: "auth_req_" + id, TaskID: "task-1", UserID: "alice",
					Status: StatusPending, Amount: 0.002, CreatedAt: now, ExpiresAt: now.Add(DefaultTTL)}
			}

			require.NoError(t, store.CreateRequest(ctx, pending("a")))
			require.ErrorIs(t, store.CreateRequest(ctx, pending("b")), ErrPending)

			require.NoError(t, store.ResolveRequest(ctx, "a", StatusDenied, now))
			require.NoError(t, store.CreateRequest(ctx, pending("c")))

			_, err := store.ExpireRequests(ctx, now.Add(time.Hour))
			require.NoError(t, err)
			require.NoError(t, store.CreateRequest(ctx, pending("d")))
		})
	}
}

func TestConcurrentInitiateSharesOneRequest(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			store := slowLookup{Store: open(t)}
			f := newFixture(t, store)
			// A second service over the same store stands in for another
			// server process.
			replica := NewService(store, WithBaseURL("https://bounty.example/"), WithMailer(f.mailer))
			replica.now = f.svc.now

			in := InitiateRequest{TaskID: "task-1", UserID: "alice", Amount: 0.002,
				Recipient: Recipient{Email: "alice@example.com"}}
			services := []*Service{f.svc, f.svc, replica, replica}
			ids := make([]string, len(services))
			var wg sync.WaitGroup
			for i, svc := range services {
				wg.Add(1)
				go func(i int, svc *Service) {
					defer wg.Done()
					req, err := svc.Initiate(context.Background(), in)
					if err == nil {
						ids[i] = req.ID
					}
				}(i, svc)
			}
			wg.Wait()

			for _, id := range ids {
				require.NotEmpty(t, id)
				require.Equal(t, ids[0], id)
			}
			f.mailer.mu.Lock()
			require.Len(t, f.mailer.subjects, 1)
			f.mailer.mu.Unlock()

			latest, err := store.LatestForTask(context.Background(), "task-1")
			require.NoError(t, err)
			require.Equal(t, ids[0], latest.ID)
			require.Equal(t, StatusPending, latest.Status)
		})
	}
}

func TestMagicLinkApprovesTaskRequest(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()
			req := initiate(t, f, "task-a")
			token := f.mailer.lastToken(t)

			link, err := f.svc.ApproveLink(ctx, token)
			require.NoError(t, err)
			require.Equal(t, StatusApproved, link.Status)
			require.NotNil(t, link.ApprovedAt)
			require.True(t, strings.HasPrefix(link.ID, "mla_"))
			require.Len(t, link.ID, 4+24)

			status, err := f.svc.Status(ctx, req.ID)
			require.NoError(t, err)
			require.Equal(t, StatusApproved, status.Status)
			require.NotNil(t, status.ApprovedAt)
			require.Equal(t, []string{"task-a"}, f.approved.tasks)

			_, err = f.svc.ApproveLink(ctx, token)
			require.Equal(t, CodeNotPending, xerrors.CodeOf(err))
			require.Equal(t, "Payment already approved", xerrors.MessageOf(err))

			current, err := f.svc.LinkStatus(ctx, link.ID)
			require.NoError(t, err)
			require.Equal(t, StatusApproved, current.Status)
		})
	}
}

func TestMagicLinkDenyAndInvalidToken(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	req := initiate(t, f, "task-b")

	_, err := f.svc.DenyLink(ctx, "not-a-token")
	require.ErrorIs(t, err, ErrLinkInvalid)

	_, err = f.svc.DenyLink(ctx, f.mailer.lastToken(t))
	require.NoError(t, err)
	status, err := f.svc.Status(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDenied, status.Status)
	require.NotNil(t, status.DeniedAt)
	require.Empty(t, f.approved.tasks)

	// A denied request is replaced by a fresh one.
	next := initiate(t, f, "task-b")
	require.NotEqual(t, req.ID, next.ID)
}

func TestExpiry(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t))
			ctx := context.Background()
			req := initiate(t, f, "task-c")
			token := f.mailer.lastToken(t)

			f.advance(DefaultTTL + time.Second)
			_, err := f.svc.ApproveLink(ctx, token)
			require.ErrorIs(t, err, ErrLinkExpired)

			status, err := f.svc.ForTask(ctx, "task-c")
			require.NoError(t, err)
			require.Equal(t, req.ID, status.ID)
			require.Equal(t, StatusExpired, status.Status)
			require.Equal(t, 1, f.seen["expired"])
		})
	}
}

func TestSweepExpiresStaleRequests(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	first := initiate(t, f, "task-d")
	f.advance(5 * time.Minute)
	second := initiate(t, f, "task-e")

	f.advance(6 * time.Minute)
	n, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.store.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	got, err = f.svc.store.GetRequest(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestSimulate(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	ctx := context.Background()
	req := initiate(t, f, "task-f")

	resolved, err := f.svc.Simulate(ctx, req.ID, true)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, resolved.Status)
	require.Equal(t, []string{"task-f"}, f.approved.tasks)

	_, err = f.svc.Simulate(ctx, req.ID, false)
	require.Equal(t, CodeNotPending, xerrors.CodeOf(err))

	_, err = f.svc.Simulate(ctx, "missing", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInitiateSurvivesMailFailure(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	f.mailer.fail = true
	req := initiate(t, f, "task-g")
	require.Equal(t, StatusPending, req.Status)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t, NewMemoryStore())
	_, err := NewSweeper(f.svc, "not a schedule")
	require.Error(t, err)

	sweeper, err := NewSweeper(f.svc, "@every 1m")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sweeper.Run(ctx))
}
