package testutil

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domainErrors "github.com/fasket/outbox/internal/domain/errors"
	"github.com/fasket/outbox/internal/domain/order"
	"github.com/fasket/outbox/internal/domain/outbox"
	"github.com/fasket/outbox/internal/infrastructure/webhook"
	"github.com/google/uuid"
)

// --- Clock ---

// FakeClock is a settable clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// --- Outbox Repository Mock ---

// MockOutboxRepository is an in-memory outbox.Repository. Stored events are
// copied in and out so callers cannot mutate state behind its back.
type MockOutboxRepository struct {
	mu     sync.Mutex
	events map[uuid.UUID]*outbox.Event
	order  []uuid.UUID

	InsertFunc   func(ctx context.Context, e *outbox.Event) (*outbox.Event, bool, error)
	FindByIDFunc func(ctx context.Context, id uuid.UUID) (*outbox.Event, error)
	UpdateFunc   func(ctx context.Context, e *outbox.Event) error
	FindDueFunc  func(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.Event, error)

	Updates int
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{events: make(map[uuid.UUID]*outbox.Event)}
}

// Put stores e as-is, bypassing dedupe.
func (m *MockOutboxRepository) Put(e *outbox.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[e.ID]; !ok {
		m.order = append(m.order, e.ID)
	}
	m.events[e.ID] = cloneEvent(e)
}

// Get returns a copy of the stored event or nil.
func (m *MockOutboxRepository) Get(id uuid.UUID) *outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		return cloneEvent(e)
	}
	return nil
}

// All returns copies of every stored event in insertion order.
func (m *MockOutboxRepository) All() []*outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*outbox.Event, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, cloneEvent(m.events[id]))
	}
	return out
}

// ByType returns stored events of one type.
func (m *MockOutboxRepository) ByType(eventType string) []*outbox.Event {
	var out []*outbox.Event
	for _, e := range m.All() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot captures the current state and returns a func that restores it.
func (m *MockOutboxRepository) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := make(map[uuid.UUID]*outbox.Event, len(m.events))
	for id, e := range m.events {
		saved[id] = cloneEvent(e)
	}
	savedOrder := append([]uuid.UUID(nil), m.order...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.events = saved
		m.order = savedOrder
	}
}

func (m *MockOutboxRepository) Insert(ctx context.Context, e *outbox.Event) (*outbox.Event, bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.DedupeKey != nil {
		for _, existing := range m.events {
			if existing.Type == e.Type && existing.DedupeKey != nil && *existing.DedupeKey == *e.DedupeKey {
				return cloneEvent(existing), false, nil
			}
		}
	}
	m.events[e.ID] = cloneEvent(e)
	m.order = append(m.order, e.ID)
	return cloneEvent(e), true, nil
}

func (m *MockOutboxRepository) FindByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[id]
	if !ok {
		return nil, domainErrors.ErrEventNotFound
	}
	return cloneEvent(e), nil
}

func (m *MockOutboxRepository) FindByDedupeKey(ctx context.Context, eventType, dedupeKey string) (*outbox.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Type == eventType && e.DedupeKey != nil && *e.DedupeKey == dedupeKey {
			return cloneEvent(e), nil
		}
	}
	return nil, domainErrors.ErrEventNotFound
}

func (m *MockOutboxRepository) Update(ctx context.Context, e *outbox.Event) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.events[e.ID]
	if !ok {
		return domainErrors.ErrEventNotFound
	}
	updated := cloneEvent(e)
	if stored.Attempts > updated.Attempts {
		updated.Attempts = stored.Attempts
	}
	if updated.SentAt == nil {
		updated.SentAt = stored.SentAt
	}
	m.events[e.ID] = updated
	m.Updates++
	return nil
}

func (m *MockOutboxRepository) List(ctx context.Context, f outbox.ListFilter) ([]*outbox.Event, int, error) {
	matched := m.filter(f, true)
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	start := (page - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], len(matched), nil
}

func (m *MockOutboxRepository) CountByStatus(ctx context.Context, f outbox.ListFilter) (map[outbox.Status]int, error) {
	counts := map[outbox.Status]int{
		outbox.StatusPending: 0,
		outbox.StatusSent:    0,
		outbox.StatusFailed:  0,
		outbox.StatusDead:    0,
	}
	for _, e := range m.filter(f, false) {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MockOutboxRepository) FindForReplay(ctx context.Context, f outbox.ReplayFilter) ([]*outbox.Event, error) {
	var out []*outbox.Event
	for _, e := range m.All() {
		if !hasStatus(f.Statuses, e.Status) {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !inRange(e.CreatedAt, f.From, f.To) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MockOutboxRepository) FindDue(ctx context.Context, cutoff time.Time, limit int) ([]*outbox.Event, error) {
	if m.FindDueFunc != nil {
		return m.FindDueFunc(ctx, cutoff, limit)
	}
	var out []*outbox.Event
	for _, e := range m.All() {
		if e.Status.IsTerminal() {
			continue
		}
		if e.DueAt(e.CreatedAt).After(cutoff) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockOutboxRepository) filter(f outbox.ListFilter, withStatus bool) []*outbox.Event {
	q := strings.ToLower(strings.TrimSpace(f.Query))
	var out []*outbox.Event
	for _, e := range m.All() {
		if withStatus && f.Status != nil && e.Status != *f.Status {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !inRange(e.CreatedAt, f.From, f.To) {
			continue
		}
		if q != "" && !matchesQuery(e, q) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesQuery(e *outbox.Event, q string) bool {
	fields := []string{e.Type, e.ID.String()}
	if e.DedupeKey != nil {
		fields = append(fields, *e.DedupeKey)
	}
	if e.CorrelationID != nil {
		fields = append(fields, *e.CorrelationID)
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func hasStatus(statuses []outbox.Status, s outbox.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func cloneEvent(e *outbox.Event) *outbox.Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

// --- Transaction Manager Mock ---

type txKey struct{}

// MockTransactionManager marks ctx as transactional and, when fn fails,
// restores every registered repository snapshot. After-commit hooks run
// only on success.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error

	participants []interface{ Snapshot() func() }
}

type mockTx struct {
	mu    sync.Mutex
	hooks []func(context.Context)
}

func NewMockTransactionManager(participants ...interface{ Snapshot() func() }) *MockTransactionManager {
	return &MockTransactionManager{participants: participants}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	if m.InTransaction(ctx) {
		return fn(ctx)
	}
	restores := make([]func(), 0, len(m.participants))
	for _, p := range m.participants {
		restores = append(restores, p.Snapshot())
	}
	tx := &mockTx{}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		for _, restore := range restores {
			restore()
		}
		return err
	}
	tx.mu.Lock()
	hooks := tx.hooks
	tx.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx)
	}
	return nil
}

func (m *MockTransactionManager) InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*mockTx)
	return ok
}

func (m *MockTransactionManager) AfterCommit(ctx context.Context, fn func(context.Context)) bool {
	tx, ok := ctx.Value(txKey{}).(*mockTx)
	if !ok {
		return false
	}
	tx.mu.Lock()
	tx.hooks = append(tx.hooks, fn)
	tx.mu.Unlock()
	return true
}

// --- Scheduler ---

// ScheduledJob is one recorded Schedule call.
type ScheduledJob struct {
	ID    uuid.UUID
	Delay time.Duration
}

// FakeScheduler records Schedule calls.
type FakeScheduler struct {
	mu   sync.Mutex
	jobs []ScheduledJob

	Err error
}

func (s *FakeScheduler) Schedule(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.jobs = append(s.jobs, ScheduledJob{ID: id, Delay: delay})
	return nil
}

func (s *FakeScheduler) Jobs() []ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledJob(nil), s.jobs...)
}

// Last returns the most recent job for id.
func (s *FakeScheduler) Last(id uuid.UUID) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.jobs) - 1; i >= 0; i-- {
		if s.jobs[i].ID == id {
			return s.jobs[i], true
		}
	}
	return ScheduledJob{}, false
}

func (s *FakeScheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = nil
}

// --- Webhook ---

// Delivery is one recorded webhook attempt.
type Delivery struct {
	EventID uuid.UUID
	Type    string
	Attempt int
}

// FakeWebhookSender answers from a scripted list of responses; once the
// script runs out the last entry repeats.
type FakeWebhookSender struct {
	mu         sync.Mutex
	configured bool
	script     []FakeReply
	deliveries []Delivery
}

// FakeReply is one scripted answer. Err set means a transport failure.
type FakeReply struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	Err        error
}

func NewFakeWebhookSender(configured bool, script ...FakeReply) *FakeWebhookSender {
	return &FakeWebhookSender{configured: configured, script: script}
}

func (f *FakeWebhookSender) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *FakeWebhookSender) SetConfigured(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured = v
}

// Script replaces the remaining replies.
func (f *FakeWebhookSender) Script(replies ...FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = replies
}

func (f *FakeWebhookSender) Deliver(ctx context.Context, e *outbox.Event, attempt int) (*webhook.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, Delivery{EventID: e.ID, Type: e.Type, Attempt: attempt})

	reply := FakeReply{Status: 200}
	if len(f.script) > 0 {
		reply = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &webhook.Response{
		StatusCode: reply.Status,
		Body:       []byte(reply.Body),
		RetryAfter: reply.RetryAfter,
		Duration:   10 * time.Millisecond,
	}, nil
}

func (f *FakeWebhookSender) Deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.deliveries...)
}

// --- Alerts ---

// RaisedAlert is one recorded alert.
type RaisedAlert struct {
	Type      string
	Payload   map[string]any
	DedupeKey string
	Emitted   bool
}

// FakeAlertNotifier records Notify and Record calls.
type FakeAlertNotifier struct {
	mu     sync.Mutex
	alerts []RaisedAlert

	NotifyErr error
}

func (f *FakeAlertNotifier) Notify(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NotifyErr != nil {
		return f.NotifyErr
	}
	f.alerts = append(f.alerts, RaisedAlert{Type: alertType, Payload: payload, DedupeKey: dedupeKey, Emitted: true})
	return nil
}

func (f *FakeAlertNotifier) Record(ctx context.Context, alertType string, payload map[string]any, dedupeKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, RaisedAlert{Type: alertType, Payload: payload, DedupeKey: dedupeKey})
}

func (f *FakeAlertNotifier) Alerts() []RaisedAlert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RaisedAlert(nil), f.alerts...)
}

// OfType returns the recorded alerts of one type.
func (f *FakeAlertNotifier) OfType(alertType string) []RaisedAlert {
	var out []RaisedAlert
	for _, a := range f.Alerts() {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

// FakeAlertForwarder records forwarded alerts.
type FakeAlertForwarder struct {
	mu        sync.Mutex
	Forwarded []RaisedAlert
	Err       error
}

func (f *FakeAlertForwarder) ForwardAlert(ctx context.Context, alertType, dedupeKey string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Forwarded = append(f.Forwarded, RaisedAlert{Type: alertType, Payload: payload, DedupeKey: dedupeKey})
	return f.Err
}

// FakeDeadLetterSink records published dead letters.
type FakeDeadLetterSink struct {
	mu        sync.Mutex
	Published []uuid.UUID
}

func (f *FakeDeadLetterSink) PublishDeadLetter(ctx context.Context, e *outbox.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published = append(f.Published, e.ID)
	return nil
}

// --- Order Repository Mock ---

// MockOrderRepository serves stale-order queries from a fixed set.
type MockOrderRepository struct {
	mu     sync.Mutex
	orders []order.Snapshot

	Err error
}

func (m *MockOrderRepository) SetOrders(orders ...order.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = orders
}

func (m *MockOrderRepository) FindStale(ctx context.Context, status string, cutoff time.Time, limit int) ([]order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []order.Snapshot
	for _, o := range m.orders {
		if o.Status == status && o.UpdatedAt.Before(cutoff) {
			out = append(out, o)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
