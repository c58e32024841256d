package main

import (
	"database/sql"
	"strings"
	"time"
)

// SQLite DB
type SQLiteDB struct {
	db   *sql.DB
	path string
}

func NewSQLiteDB(path string) (*SQLiteDB, error) {
	// WAL with a busy timeout keeps concurrent token writes from tripping
	// over SQLITE_BUSY
	d, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, err
	}
	s := &SQLiteDB{db: d, path: path}
	if err := s.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			allow_marketing_communications INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			brand TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			os TEXT NOT NULL DEFAULT '',
			secret TEXT NOT NULL,
			last_used_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT UNIQUE NOT NULL,
			user_id INTEGER NOT NULL,
			client_id INTEGER,
			sso_refresh_token TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS access_tokens (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			client_id INTEGER,
			refresh_token_id INTEGER,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			elevation TEXT NOT NULL,
			elevation_expires_at INTEGER
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }

func parseStamp(v string) time.Time {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteDB) CreateUser(u *User) (*User, error) {
	now := nowStamp()
	res, err := s.db.Exec(
		`INSERT INTO users(email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at) VALUES(?,?,?,?,?,?,?)`,
		u.Email, u.PasswordHash, u.FirstName, u.LastName, u.AllowMarketing, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *u
	cp.ID = id
	cp.CreatedAt = parseStamp(now)
	cp.UpdatedAt = cp.CreatedAt
	return &cp, nil
}

func (s *SQLiteDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	var created, updated string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AllowMarketing, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = parseStamp(created)
	u.UpdatedAt = parseStamp(updated)
	return &u, nil
}

func (s *SQLiteDB) GetUserByEmail(email string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE email = ?`, email))
}

func (s *SQLiteDB) GetUserByID(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE id = ?`, id))
}

func (s *SQLiteDB) FindUsers(q UserQuery) ([]*User, error) {
	query := `SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE `
	var args []interface{}
	switch {
	case q.Email != "":
		query += `email = ?`
		args = append(args, q.Email)
	case q.UserID != 0:
		query += `id = ?`
		args = append(args, q.UserID)
	default:
		query += `first_name = ? AND last_name = ?`
		args = append(args, q.FirstName, q.LastName)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var u User
		var created, updated string
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AllowMarketing, &created, &updated); err != nil {
			return nil, err
		}
		u.CreatedAt = parseStamp(created)
		u.UpdatedAt = parseStamp(updated)
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) CreateClient(c *Client) (*Client, error) {
	now := nowStamp()
	res, err := s.db.Exec(
		`INSERT INTO clients(user_id,name,brand,model,os,secret,last_used_at,created_at) VALUES(?,?,?,?,?,?,?,?)`,
		c.UserID, c.Name, c.Brand, c.Model, c.OS, c.Secret, now, now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *c
	cp.ID = id
	cp.LastUsedAt = parseStamp(now)
	cp.CreatedAt = cp.LastUsedAt
	return &cp, nil
}

func (s *SQLiteDB) GetClient(id int64) (*Client, error) {
	row := s.db.QueryRow(`SELECT id,user_id,name,brand,model,os,secret,last_used_at,created_at FROM clients WHERE id = ?`, id)
	var c Client
	var lastUsed, created string
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Brand, &c.Model, &c.OS, &c.Secret, &lastUsed, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.LastUsedAt = parseStamp(lastUsed)
	c.CreatedAt = parseStamp(created)
	return &c, nil
}

func (s *SQLiteDB) CountClients(userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM clients WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

func (s *SQLiteDB) TouchClient(id int64, when time.Time) error {
	_, err := s.db.Exec(`UPDATE clients SET last_used_at = ? WHERE id = ?`, when.UTC().Format(time.RFC3339), id)
	return err
}

func (s *SQLiteDB) DeleteClientCascade(id, userID int64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`DELETE FROM clients WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE client_id = ?`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteDB) CreateRefreshToken(rt *RefreshToken) (*RefreshToken, error) {
	now := nowStamp()
	res, err := s.db.Exec(
		`INSERT INTO refresh_tokens(token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at) VALUES(?,?,?,?,?,?,?)`,
		rt.Token, rt.UserID, rt.ClientID, rt.SSORefreshToken, rt.ExpiresAt, rt.Revoked, now)
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	cp := *rt
	cp.ID = id
	cp.CreatedAt = parseStamp(now)
	return &cp, nil
}

func (s *SQLiteDB) scanRefreshToken(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	var clientID sql.NullInt64
	var revoked int
	var created string
	err := row.Scan(&t.ID, &t.Token, &t.UserID, &clientID, &t.SSORefreshToken, &t.ExpiresAt, &revoked, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	t.Revoked = revoked != 0
	if clientID.Valid {
		t.ClientID = &clientID.Int64
	}
	t.CreatedAt = parseStamp(created)
	return &t, nil
}

func (s *SQLiteDB) GetRefreshToken(token string) (*RefreshToken, error) {
	return s.scanRefreshToken(s.db.QueryRow(
		`SELECT id,token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at FROM refresh_tokens WHERE token = ?`, token))
}

func (s *SQLiteDB) GetRefreshTokenByID(id int64) (*RefreshToken, error) {
	return s.scanRefreshToken(s.db.QueryRow(
		`SELECT id,token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at FROM refresh_tokens WHERE id = ?`, id))
}

func (s *SQLiteDB) ConsumeRefreshToken(token string) (bool, error) {
	res, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE token = ? AND revoked = 0`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLiteDB) RevokeRefreshToken(token string) error {
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE token = ?`, token)
	return err
}

func (s *SQLiteDB) BindRefreshTokenToClient(id, clientID int64) error {
	_, err := s.db.Exec(`UPDATE refresh_tokens SET client_id = ? WHERE id = ?`, clientID, id)
	return err
}

func (s *SQLiteDB) CreateAccessToken(rec *AccessTokenRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO access_tokens(id,user_id,client_id,refresh_token_id,issued_at,expires_at,elevation,elevation_expires_at) VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.UserID, rec.ClientID, rec.RefreshTokenID, rec.IssuedAt, rec.ExpiresAt, string(rec.Elevation), rec.ElevationExpiresAt)
	return err
}

func (s *SQLiteDB) GetAccessToken(id string) (*AccessTokenRecord, error) {
	row := s.db.QueryRow(
		`SELECT id,user_id,client_id,refresh_token_id,issued_at,expires_at,elevation,elevation_expires_at FROM access_tokens WHERE id = ?`, id)
	var rec AccessTokenRecord
	var clientID, refreshID, elevExpires sql.NullInt64
	var elevation string
	if err := row.Scan(&rec.ID, &rec.UserID, &clientID, &refreshID, &rec.IssuedAt, &rec.ExpiresAt, &elevation, &elevExpires); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	rec.Elevation = Elevation(elevation)
	if clientID.Valid {
		rec.ClientID = &clientID.Int64
	}
	if refreshID.Valid {
		rec.RefreshTokenID = &refreshID.Int64
	}
	if elevExpires.Valid {
		rec.ElevationExpiresAt = &elevExpires.Int64
	}
	return &rec, nil
}

func (s *SQLiteDB) close() error { return s.db.Close() }
func (s *SQLiteDB) ping() bool   { return s.db.Ping() == nil }
