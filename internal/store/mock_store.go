// ABOUTME: In-memory Store implementation for tests
// ABOUTME: Supports forced errors to simulate storage unavailability

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store for tests. Setting Err makes every
// operation fail with it, simulating an unavailable backend.
type MockStore struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by every operation.
	Err error

	devices   map[string]*Device          // keyed by owner/deviceID
	unclaimed map[string]*UnclaimedDevice // keyed by session token
	operators map[string]*Operator

	setupCodes map[string]string // setup code -> session token
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		devices:    make(map[string]*Device),
		unclaimed:  make(map[string]*UnclaimedDevice),
		operators:  make(map[string]*Operator),
		setupCodes: make(map[string]string),
	}
}

func deviceKey(owner, deviceID string) string {
	return owner + "/" + deviceID
}

// AddDevice seeds a claimed device.
func (m *MockStore) AddDevice(dev *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[deviceKey(dev.Owner, dev.DeviceID)] = &cp
}

func (m *MockStore) DeviceBySessionToken(_ context.Context, token string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, dev := range m.devices {
		if dev.SessionToken == token {
			cp := *dev
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) UnclaimedBySessionToken(_ context.Context, token string) (*UnclaimedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ud, ok := m.unclaimed[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ud
	return &cp, nil
}

func (m *MockStore) CreateUnclaimedDevice(_ context.Context, token string) (*UnclaimedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	ud := &UnclaimedDevice{
		ID:           uuid.New().String(),
		SessionToken: token,
		SetupCode:    fmt.Sprintf("CODE%04d", len(m.setupCodes)),
		CreatedAt:    time.Now().UTC(),
	}
	m.unclaimed[token] = ud
	m.setupCodes[ud.SetupCode] = token

	cp := *ud
	return &cp, nil
}

func (m *MockStore) ClaimDevice(_ context.Context, setupCode, owner, displayName string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	token, ok := m.setupCodes[setupCode]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.setupCodes, setupCode)
	delete(m.unclaimed, token)

	now := time.Now().UTC()
	dev := &Device{
		SessionToken: token,
		Owner:        owner,
		DeviceID:     uuid.New().String(),
		DisplayName:  displayName,
		Inventory:    []InventoryItem{},
		NullCommands: []string{},
		BoolCommands: []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.devices[deviceKey(owner, dev.DeviceID)] = dev

	cp := *dev
	return &cp, nil
}

func (m *MockStore) GetDevice(_ context.Context, owner, deviceID string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	dev, ok := m.devices[deviceKey(owner, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dev
	return &cp, nil
}

func (m *MockStore) UpdateDevice(_ context.Context, owner, deviceID string, req UpdateDeviceRequest) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	dev, ok := m.devices[deviceKey(owner, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	if req.DisplayName != nil {
		dev.DisplayName = *req.DisplayName
	}
	if req.Inventory != nil {
		dev.Inventory = append([]InventoryItem(nil), (*req.Inventory)...)
	}
	dev.UpdatedAt = time.Now().UTC()

	cp := *dev
	return &cp, nil
}

func (m *MockStore) SetDeviceCommands(_ context.Context, owner, deviceID string, nullCommands, boolCommands []string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	dev, ok := m.devices[deviceKey(owner, deviceID)]
	if !ok {
		return nil, ErrNotFound
	}
	dev.NullCommands = emptyIfNil(nullCommands)
	dev.BoolCommands = emptyIfNil(boolCommands)
	dev.UpdatedAt = time.Now().UTC()

	cp := *dev
	return &cp, nil
}

func (m *MockStore) ListDevices(_ context.Context, owner string) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []*Device
	for _, dev := range m.devices {
		if dev.Owner == owner {
			cp := *dev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockStore) GetOperator(_ context.Context, id string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	op, ok := m.operators[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *MockStore) EnsureOperator(_ context.Context, id, displayName string) (*Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if op, ok := m.operators[id]; ok {
		cp := *op
		return &cp, nil
	}
	op := &Operator{ID: id, DisplayName: displayName, CreatedAt: time.Now().UTC()}
	m.operators[id] = op

	cp := *op
	return &cp, nil
}

func (m *MockStore) Close() error { return nil }
