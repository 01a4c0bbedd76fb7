package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/rideerr"
)

// MemoryStore is the in-process RideStore used for local runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	drivers  map[string]*models.Driver
	payments map[string]*models.PaymentRecord
	feed     *feed
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		drivers:  make(map[string]*models.Driver),
		payments: make(map[string]*models.PaymentRecord),
		feed:     newFeed(),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	cp := *r
	m.rides[r.ID] = &cp
	m.mu.Unlock()
	m.feed.publish(cp)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, expect models.Status, mutate func(*models.Ride)) (*models.Ride, error) {
	m.mu.Lock()
	r, ok := m.rides[id]
	if !ok {
		m.mu.Unlock()
		return nil, &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	if r.Status != expect {
		conflict := &rideerr.ConflictError{RideID: id, Expected: string(expect), Actual: string(r.Status)}
		m.mu.Unlock()
		return nil, conflict
	}
	cp := *r
	mutate(&cp)
	cp.UpdatedAt = time.Now()
	m.rides[id] = &cp
	out := cp
	m.mu.Unlock()
	m.feed.publish(out)
	return &out, nil
}

func (m *MemoryStore) TouchPosition(ctx context.Context, id string, p models.PositionSample) error {
	m.mu.Lock()
	r, ok := m.rides[id]
	if !ok {
		m.mu.Unlock()
		return &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	if !r.Status.ActiveForTracking() {
		m.mu.Unlock()
		return nil
	}
	cp := p
	r.DriverPosition = &cp
	r.UpdatedAt = time.Now()
	out := *r
	m.mu.Unlock()
	m.feed.publish(out)
	return nil
}

func (m *MemoryStore) SetReviewed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return &rideerr.NotFoundError{Kind: "ride", ID: id}
	}
	r.Reviewed = true
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status == s {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	cp.UpdatedAt = time.Now()
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, &rideerr.NotFoundError{Kind: "driver", ID: id}
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListOnlineDrivers(ctx context.Context) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, d := range m.drivers {
		if d.Online {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, p *models.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.UpdatedAt = time.Now()
	m.payments[p.RideID] = &cp
	return nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, rideID string) (*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, &rideerr.NotFoundError{Kind: "payment", ID: rideID}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, rideID string, mutate func(*models.PaymentRecord) error) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[rideID]
	if !ok {
		return nil, &rideerr.NotFoundError{Kind: "payment", ID: rideID}
	}
	cp := *p
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.UpdatedAt = time.Now()
	m.payments[rideID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) ListPaymentsByStatus(ctx context.Context, statuses ...models.PaymentStatus) ([]*models.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.PaymentRecord
	for _, p := range m.payments {
		for _, s := range statuses {
			if p.Status == s {
				cp := *p
				out = append(out, &cp)
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Subscribe(rideID string) (<-chan RideEvent, func()) {
	return m.feed.subscribe(rideID)
}
