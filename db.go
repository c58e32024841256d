package main

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateEmail is returned by CreateUser when the normalized email is
// already taken. Adapters map their driver's unique-violation onto it.
var ErrDuplicateEmail = errors.New("email already registered")

// DB interface for database operations
type DB interface {
	Init() error
	// User operations
	CreateUser(u *User) (*User, error)
	GetUserByEmail(email string) (*User, error)
	GetUserByID(id int64) (*User, error)
	FindUsers(q UserQuery) ([]*User, error)
	// Client operations
	CreateClient(c *Client) (*Client, error)
	GetClient(id int64) (*Client, error)
	CountClients(userID int64) (int, error)
	TouchClient(id int64, when time.Time) error
	// DeleteClientCascade removes the client and revokes every refresh token
	// bound to it in one transaction. Returns false when no client with that
	// id belongs to the user.
	DeleteClientCascade(id, userID int64) (bool, error)
	// Refresh token operations
	CreateRefreshToken(rt *RefreshToken) (*RefreshToken, error)
	GetRefreshToken(token string) (*RefreshToken, error)
	GetRefreshTokenByID(id int64) (*RefreshToken, error)
	// ConsumeRefreshToken atomically revokes an unrevoked token. Exactly one
	// of any set of concurrent callers sees true.
	ConsumeRefreshToken(token string) (bool, error)
	RevokeRefreshToken(token string) error
	BindRefreshTokenToClient(id, clientID int64) error
	// Access token operations
	CreateAccessToken(rec *AccessTokenRecord) error
	GetAccessToken(id string) (*AccessTokenRecord, error)
}

// Memory DB, used by handler tests and the in-memory adapter.
type MemDB struct {
	mu        sync.Mutex
	users     map[int64]*User
	emails    map[string]int64
	clients   map[int64]*Client
	refresh   map[string]*RefreshToken
	refreshID map[int64]*RefreshToken
	access    map[string]*AccessTokenRecord
	userSeq   int64
	clientSeq int64
	tokenSeq  int64
}

func NewMemoryDB() *MemDB {
	return &MemDB{
		users:     map[int64]*User{},
		emails:    map[string]int64{},
		clients:   map[int64]*Client{},
		refresh:   map[string]*RefreshToken{},
		refreshID: map[int64]*RefreshToken{},
		access:    map[string]*AccessTokenRecord{},
	}
}

func (m *MemDB) Init() error { return nil }

func (m *MemDB) CreateUser(u *User) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[u.Email]; ok {
		return nil, ErrDuplicateEmail
	}
	m.userSeq++
	cp := *u
	cp.ID = m.userSeq
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.users[cp.ID] = &cp
	m.emails[cp.Email] = cp.ID
	out := cp
	return &out, nil
}

func (m *MemDB) GetUserByEmail(email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.emails[email]
	if !ok {
		return nil, nil
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemDB) GetUserByID(id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemDB) FindUsers(q UserQuery) ([]*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*User
	for _, u := range m.users {
		switch {
		case q.Email != "":
			if u.Email != q.Email {
				continue
			}
		case q.UserID != 0:
			if u.ID != q.UserID {
				continue
			}
		default:
			if u.FirstName != q.FirstName || u.LastName != q.LastName {
				continue
			}
		}
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemDB) CreateClient(c *Client) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientSeq++
	cp := *c
	cp.ID = m.clientSeq
	cp.CreatedAt = time.Now()
	cp.LastUsedAt = cp.CreatedAt
	m.clients[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemDB) GetClient(id int64) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemDB) CountClients(userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.clients {
		if c.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *MemDB) TouchClient(id int64, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[id]; ok {
		c.LastUsedAt = when
	}
	return nil
}

func (m *MemDB) DeleteClientCascade(id, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	if !ok || c.UserID != userID {
		return false, nil
	}
	for _, rt := range m.refresh {
		if rt.ClientID != nil && *rt.ClientID == id {
			rt.Revoked = true
		}
	}
	delete(m.clients, id)
	return true, nil
}

func (m *MemDB) CreateRefreshToken(rt *RefreshToken) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenSeq++
	cp := *rt
	cp.ID = m.tokenSeq
	cp.CreatedAt = time.Now()
	m.refresh[cp.Token] = &cp
	m.refreshID[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemDB) GetRefreshToken(token string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[token]
	if !ok {
		return nil, nil
	}
	cp := *rt
	return &cp, nil
}

func (m *MemDB) GetRefreshTokenByID(id int64) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshID[id]
	if !ok {
		return nil, nil
	}
	cp := *rt
	return &cp, nil
}

func (m *MemDB) ConsumeRefreshToken(token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[token]
	if !ok || rt.Revoked {
		return false, nil
	}
	rt.Revoked = true
	return true, nil
}

func (m *MemDB) RevokeRefreshToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.refresh[token]; ok {
		rt.Revoked = true
	}
	return nil
}

func (m *MemDB) BindRefreshTokenToClient(id, clientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.refreshID[id]; ok {
		rt.ClientID = &clientID
	}
	return nil
}

func (m *MemDB) CreateAccessToken(rec *AccessTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.access[cp.ID] = &cp
	return nil
}

func (m *MemDB) GetAccessToken(id string) (*AccessTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.access[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// lifecycle helpers
func (m *MemDB) close() error { return nil }
func (m *MemDB) ping() bool   { return true }
