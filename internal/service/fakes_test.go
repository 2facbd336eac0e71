package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"greenhouse-ops/internal/model"
)

var errStoreDown = errors.New("store down")

type memRefreshStore struct {
	mu   sync.Mutex
	rows map[string]*model.RefreshToken
	fail bool
}

func newMemRefreshStore() *memRefreshStore {
	return &memRefreshStore{rows: map[string]*model.RefreshToken{}}
}

func (m *memRefreshStore) Insert(_ context.Context, t model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	t.IsValid = true
	m.rows[t.TokenHash] = &t
	return nil
}

func (m *memRefreshStore) Claim(_ context.Context, hash string, ownerID string, at time.Time) (model.ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return model.ClaimResult{}, errStoreDown
	}
	row, ok := m.rows[hash]
	if !ok || row.OwnerID != ownerID || !row.IsValid {
		return model.ClaimResult{Outcome: model.NotClaimed}, nil
	}
	row.IsValid = false
	row.InvalidatedAt = &at
	return model.ClaimResult{Outcome: model.Claimed, ExpiresAt: row.ExpiresAt}, nil
}

func (m *memRefreshStore) FindValid(_ context.Context, hash string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return model.RefreshToken{}, errStoreDown
	}
	row, ok := m.rows[hash]
	if !ok || !row.IsValid {
		return model.RefreshToken{}, model.ErrRefreshNotFound
	}
	return *row, nil
}

func (m *memRefreshStore) Invalidate(_ context.Context, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	if row, ok := m.rows[hash]; ok && row.IsValid {
		row.IsValid = false
		row.InvalidatedAt = &at
	}
	return nil
}

func (m *memRefreshStore) InvalidateAllForOwner(_ context.Context, ownerID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errStoreDown
	}
	var n int64
	for _, row := range m.rows {
		if row.OwnerID == ownerID && row.IsValid {
			row.IsValid = false
			row.InvalidatedAt = &at
			n++
		}
	}
	return n, nil
}

func (m *memRefreshStore) CountActive(_ context.Context, ownerID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errStoreDown
	}
	n := 0
	for _, row := range m.rows {
		if row.OwnerID == ownerID && row.IsValid && now.Before(row.ExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (m *memRefreshStore) DeleteStale(_ context.Context, now time.Time, grace time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errStoreDown
	}
	var n int64
	for hash, row := range m.rows {
		stale := row.InvalidatedAt != nil && row.InvalidatedAt.Before(now.Add(-grace))
		if !now.Before(row.ExpiresAt) || stale {
			delete(m.rows, hash)
			n++
		}
	}
	return n, nil
}

func (m *memRefreshStore) row(hash string) (model.RefreshToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[hash]
	if !ok {
		return model.RefreshToken{}, false
	}
	return *row, true
}

func (m *memRefreshStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

type memBlacklist struct {
	mu      sync.Mutex
	entries map[string]model.BlacklistEntry
	fail    bool
}

func newMemBlacklist() *memBlacklist {
	return &memBlacklist{entries: map[string]model.BlacklistEntry{}}
}

func (m *memBlacklist) Insert(_ context.Context, e model.BlacklistEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	if _, ok := m.entries[e.TokenHash]; !ok {
		m.entries[e.TokenHash] = e
	}
	return nil
}

func (m *memBlacklist) Exists(_ context.Context, hash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errStoreDown
	}
	e, ok := m.entries[hash]
	return ok && now.Before(e.ExpiresAt), nil
}

func (m *memBlacklist) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errStoreDown
	}
	var n int64
	for hash, e := range m.entries {
		if !now.Before(e.ExpiresAt) {
			delete(m.entries, hash)
			n++
		}
	}
	return n, nil
}

func (m *memBlacklist) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *memBlacklist) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

type memUsers struct {
	mu    sync.Mutex
	users map[string]model.User
	fail  bool
}

func newMemUsers(users ...model.User) *memUsers {
	m := &memUsers{users: map[string]model.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memUsers) IsActive(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false, errStoreDown
	}
	u, ok := m.users[id]
	return ok && u.IsActive, nil
}

func (m *memUsers) FindByID(_ context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return model.User{}, errStoreDown
	}
	u, ok := m.users[id]
	if !ok {
		return model.User{}, model.ErrUserNotFound
	}
	return u, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return model.User{}, errStoreDown
	}
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, model.ErrUserNotFound
}

func (m *memUsers) Create(_ context.Context, u model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return model.ErrUserAlreadyExists
		}
	}
	m.users[u.ID] = u
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id string, hash string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.ErrUserNotFound
	}
	u.PasswordHash = hash
	u.UpdatedAt = at
	m.users[id] = u
	return nil
}

func (m *memUsers) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.ErrUserNotFound
	}
	u.IsActive = active
	u.UpdatedAt = at
	m.users[id] = u
	return nil
}

func (m *memUsers) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []model.AuditEntry
	fail    bool
}

func (m *memAudit) Log(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action+":"+e.Status)
	}
	return out
}

func (m *memAudit) Query(_ context.Context, q model.AuditQuery) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}

	out := []model.AuditEntry{}
	for i := len(m.entries) - 1; i >= 0 && len(out) < q.Limit; i-- {
		e := m.entries[i]
		if (q.Action == "" || e.Action == q.Action) && (q.ActorID == "" || e.Actor.UserID == q.ActorID) && (q.Status == "" || e.Status == q.Status) {
			out = append(out, e)
		}
	}
	return out, nil
}
