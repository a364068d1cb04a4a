package admission

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gatekeep/admission/internal/config"
	"github.com/gatekeep/admission/internal/guard"
	"github.com/gatekeep/admission/internal/lock"
	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/repository"
	"github.com/gatekeep/admission/internal/token"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeTickets struct {
	mu   sync.Mutex
	rows map[string]model.Ticket

	// When hold is set the first GetByID signals entered and waits.
	hold    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func copyTicket(t model.Ticket) model.Ticket {
	t.Attributes = maps.Clone(t.Attributes)
	return t
}

func (f *fakeTickets) GetByID(_ context.Context, id string) (*model.Ticket, error) {
	if f.hold != nil {
		f.once.Do(func() {
			close(f.entered)
			<-f.hold
		})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	t := copyTicket(row)
	return &t, nil
}

func (f *fakeTickets) Create(_ context.Context, t *model.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[t.ID]; ok {
		return repository.ErrConflict
	}
	t.Version = 1
	f.rows[t.ID] = copyTicket(*t)
	return nil
}

func (f *fakeTickets) Save(_ context.Context, t *model.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[t.ID]
	if !ok || cur.Version != t.Version {
		return repository.ErrConflict
	}
	t.Version++
	f.rows[t.ID] = copyTicket(*t)
	return nil
}

func (f *fakeTickets) get(id string) model.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyTicket(f.rows[id])
}

type fakeEvents struct {
	rows map[string]model.Event
}

func (f *fakeEvents) GetByID(_ context.Context, id string) (*model.Event, error) {
	e, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &e, nil
}

type fakeLogs struct {
	mu   sync.Mutex
	rows []model.ScanLog
}

func (f *fakeLogs) Append(_ context.Context, l *model.ScanLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *l)
	return nil
}

func (f *fakeLogs) RecentByTicket(_ context.Context, ticketID string, since time.Time, limit int) ([]model.ScanLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ScanLog
	for _, l := range f.rows {
		if l.TicketID == ticketID && !l.CreatedAt.Before(since) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLogs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type fakeGuards struct {
	mu   sync.Mutex
	rows map[string]model.ShareGuard
}

func (f *fakeGuards) Get(_ context.Context, id string) (*model.ShareGuard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (f *fakeGuards) Upsert(_ context.Context, g *model.ShareGuard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[g.TicketID] = *g
	return nil
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	err      error
	attempts int
	seq      int
}

func (f *fakeLocks) Acquire(_ context.Context, id string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.held[id]; ok {
		return "", lock.ErrLockHeld
	}
	f.seq++
	owner := fmt.Sprintf("owner-%d", f.seq)
	f.held[id] = owner
	return owner, nil
}

func (f *fakeLocks) Release(_ context.Context, id, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[id] != owner {
		return lock.ErrNotOwner
	}
	delete(f.held, id)
	return nil
}

func (f *fakeLocks) heldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

type fakeNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeNonces) Used(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[jti], nil
}

func (f *fakeNonces) Consume(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[jti] = true
	return nil
}

type published struct {
	event   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published

	// onPublish runs before the event is stored.
	onPublish func()
}

func (f *fakePublisher) Publish(_ context.Context, event string, payload any) error {
	if f.onPublish != nil {
		f.onPublish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, published{event, payload})
	return nil
}

type env struct {
	svc     *Service
	clock   *testClock
	codec   *token.Codec
	tickets *fakeTickets
	events  *fakeEvents
	logs    *fakeLogs
	guards  *fakeGuards
	locks   *fakeLocks
	nonces  *fakeNonces
	pub     *fakePublisher
}

var t0 = time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, replayCheck bool) *env {
	t.Helper()
	e := &env{
		clock:   &testClock{t: t0},
		tickets: &fakeTickets{rows: map[string]model.Ticket{}},
		events:  &fakeEvents{rows: map[string]model.Event{}},
		logs:    &fakeLogs{},
		guards:  &fakeGuards{rows: map[string]model.ShareGuard{}},
		locks:   &fakeLocks{held: map[string]string{}},
		nonces:  &fakeNonces{seen: map[string]bool{}},
		pub:     &fakePublisher{},
	}
	e.codec = token.NewCodec("test-signing-secret", token.WithClock(e.clock.Now))
	deps := Deps{
		Tickets:   e.tickets,
		Events:    e.events,
		Logs:      e.logs,
		Guards:    e.guards,
		Locks:     e.locks,
		Codec:     e.codec,
		Guard:     guard.New(guard.DefaultConfig()),
		Publisher: e.pub,
	}
	if replayCheck {
		deps.Nonces = e.nonces
	}
	cfg := config.AdmissionConfig{DefaultTokenTTL: 60 * time.Second, LockTTL: 5 * time.Second}
	e.svc = NewService(deps, cfg,
		WithClock(e.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLockRetry(3, 0),
	)
	return e
}

func (e *env) addEvent(id string, allowReEntry bool) {
	e.events.rows[id] = model.Event{ID: id, Name: "Gala " + id, AllowReEntry: allowReEntry}
}

func (e *env) addTicket(id, eventID string) {
	e.tickets.rows[id] = model.Ticket{
		ID:           id,
		EventID:      eventID,
		InvitationID: "inv-" + id,
		CurrentState: model.StateOutside,
		Version:      1,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func dir(s model.PresenceState) *model.PresenceState { return &s }
