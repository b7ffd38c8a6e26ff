package notification

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/channel"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

type memAttempts struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.NotificationAttempt
	keys   map[string]int64
	// reserveFailures is the number of upcoming reservations that fail
	reserveFailures int
	reserveCalls    int
}

func newMemAttempts() *memAttempts {
	return &memAttempts{rows: make(map[int64]*models.NotificationAttempt), keys: make(map[string]int64)}
}

func (m *memAttempts) ReserveAttempt(ctx context.Context, a *models.NotificationAttempt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCalls++
	if m.reserveFailures > 0 {
		m.reserveFailures--
		return false, errors.New("pq: could not serialize access")
	}
	if _, ok := m.keys[a.IdempotencyKey]; ok {
		return false, nil
	}
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.rows[a.ID] = &cp
	m.keys[a.IdempotencyKey] = a.ID
	return true, nil
}

func (m *memAttempts) UpdateAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memAttempts) CancelPendingAttempts(ctx context.Context, alertID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, a := range m.rows {
		if a.AlertID == alertID && (a.Status == models.AttemptPending || a.Status == models.AttemptFailed) {
			a.Status = models.AttemptCancelled
			a.NextRetryAt = nil
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) ListPendingRetries(ctx context.Context, limit int) ([]models.NotificationAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationAttempt
	for _, a := range m.rows {
		if a.Status == models.AttemptFailed && a.NextRetryAt != nil {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memAttempts) byChannel(ch models.Channel) []models.NotificationAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.NotificationAttempt
	for _, a := range m.rows {
		if a.Channel == ch {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeAlerts struct {
	mu       sync.Mutex
	alerts   map[string]*models.Alert
	notified []time.Time
}

func (f *fakeAlerts) Get(ctx context.Context, id string) (*models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.alerts[id]
	if !ok {
		return nil, alerting.ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAlerts) MarkNotified(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, at)
	return nil
}

func (f *fakeAlerts) set(a *models.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.alerts[a.ID] = &cp
}

type fakeSensors struct {
	cfg *models.SensorConfig
}

func (f *fakeSensors) Sensor(ctx context.Context, id string) (*models.SensorConfig, error) {
	return f.cfg, nil
}

type fakeRecipients struct {
	list  []models.Recipient
	calls int
	err   error
}

func (f *fakeRecipients) ListRecipients(ctx context.Context, tenantID, locationID string) ([]models.Recipient, error) {
	f.calls++
	return f.list, f.err
}

// manualScheduler holds tasks until the test fires them
type manualScheduler struct {
	mu    sync.Mutex
	tasks map[string]func()
	order []string
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{tasks: make(map[string]func())}
}

func (s *manualScheduler) Schedule(id string, at time.Time, cb func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		s.order = append(s.order, id)
	}
	s.tasks[id] = cb
	return nil
}

func (s *manualScheduler) CancelPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.tasks {
		if strings.HasPrefix(id, prefix) {
			delete(s.tasks, id)
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// fireAll runs due tasks in scheduling order until none are left or
// the limit is reached.
func (s *manualScheduler) fireAll(limit int) int {
	fired := 0
	for fired < limit {
		s.mu.Lock()
		var (
			id string
			cb func()
		)
		for len(s.order) > 0 {
			id, s.order = s.order[0], s.order[1:]
			if task, ok := s.tasks[id]; ok {
				cb = task
				delete(s.tasks, id)
				break
			}
		}
		s.mu.Unlock()
		if cb == nil {
			return fired
		}
		cb()
		fired++
	}
	return fired
}

type scriptedAdapter struct {
	mu   sync.Mutex
	ch   models.Channel
	errs []error // consumed per send; the last one repeats
	sent []channel.Message
}

func (a *scriptedAdapter) Channel() models.Channel { return a.ch }

func (a *scriptedAdapter) Send(ctx context.Context, msg channel.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	if len(a.errs) > 1 {
		a.errs = a.errs[1:]
	}
	return err
}

func (a *scriptedAdapter) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}
