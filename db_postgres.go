package main

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type PostgresDB struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (p *PostgresDB) CreateUser(u *User) (*User, error) {
	cp := *u
	err := p.db.QueryRow(
		`INSERT INTO users(email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,now(),now()) RETURNING id,created_at,updated_at`,
		u.Email, u.PasswordHash, u.FirstName, u.LastName, u.AllowMarketing).
		Scan(&cp.ID, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}
	return &cp, nil
}

func (p *PostgresDB) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AllowMarketing, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresDB) GetUserByEmail(email string) (*User, error) {
	return p.scanUser(p.db.QueryRow(
		`SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE email = $1`, email))
}

func (p *PostgresDB) GetUserByID(id int64) (*User, error) {
	return p.scanUser(p.db.QueryRow(
		`SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE id = $1`, id))
}

func (p *PostgresDB) FindUsers(q UserQuery) ([]*User, error) {
	query := `SELECT id,email,password_hash,first_name,last_name,allow_marketing_communications,created_at,updated_at FROM users WHERE `
	var args []interface{}
	switch {
	case q.Email != "":
		query += `email = $1`
		args = append(args, q.Email)
	case q.UserID != 0:
		query += `id = $1`
		args = append(args, q.UserID)
	default:
		query += `first_name = $1 AND last_name = $2`
		args = append(args, q.FirstName, q.LastName)
	}
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.AllowMarketing, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (p *PostgresDB) CreateClient(c *Client) (*Client, error) {
	cp := *c
	err := p.db.QueryRow(
		`INSERT INTO clients(user_id,name,brand,model,os,secret,last_used_at,created_at)
		 VALUES($1,$2,$3,$4,$5,$6,now(),now()) RETURNING id,last_used_at,created_at`,
		c.UserID, c.Name, c.Brand, c.Model, c.OS, c.Secret).
		Scan(&cp.ID, &cp.LastUsedAt, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *PostgresDB) GetClient(id int64) (*Client, error) {
	row := p.db.QueryRow(`SELECT id,user_id,name,brand,model,os,secret,last_used_at,created_at FROM clients WHERE id = $1`, id)
	var c Client
	if err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Brand, &c.Model, &c.OS, &c.Secret, &c.LastUsedAt, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (p *PostgresDB) CountClients(userID int64) (int, error) {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM clients WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

func (p *PostgresDB) TouchClient(id int64, when time.Time) error {
	_, err := p.db.Exec(`UPDATE clients SET last_used_at = $1 WHERE id = $2`, when.UTC(), id)
	return err
}

func (p *PostgresDB) DeleteClientCascade(id, userID int64) (bool, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`DELETE FROM clients WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.Exec(`UPDATE refresh_tokens SET revoked = true WHERE client_id = $1`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresDB) CreateRefreshToken(rt *RefreshToken) (*RefreshToken, error) {
	cp := *rt
	err := p.db.QueryRow(
		`INSERT INTO refresh_tokens(token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at)
		 VALUES($1,$2,$3,$4,$5,$6,now()) RETURNING id,created_at`,
		rt.Token, rt.UserID, rt.ClientID, rt.SSORefreshToken, rt.ExpiresAt, rt.Revoked).
		Scan(&cp.ID, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (p *PostgresDB) scanRefreshToken(row *sql.Row) (*RefreshToken, error) {
	var t RefreshToken
	var clientID sql.NullInt64
	err := row.Scan(&t.ID, &t.Token, &t.UserID, &clientID, &t.SSORefreshToken, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if clientID.Valid {
		t.ClientID = &clientID.Int64
	}
	return &t, nil
}

func (p *PostgresDB) GetRefreshToken(token string) (*RefreshToken, error) {
	return p.scanRefreshToken(p.db.QueryRow(
		`SELECT id,token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at FROM refresh_tokens WHERE token = $1`, token))
}

func (p *PostgresDB) GetRefreshTokenByID(id int64) (*RefreshToken, error) {
	return p.scanRefreshToken(p.db.QueryRow(
		`SELECT id,token,user_id,client_id,sso_refresh_token,expires_at,revoked,created_at FROM refresh_tokens WHERE id = $1`, id))
}

func (p *PostgresDB) ConsumeRefreshToken(token string) (bool, error) {
	res, err := p.db.Exec(`UPDATE refresh_tokens SET revoked = true WHERE token = $1 AND revoked = false`, token)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresDB) RevokeRefreshToken(token string) error {
	_, err := p.db.Exec(`UPDATE refresh_tokens SET revoked = true WHERE token = $1`, token)
	return err
}

func (p *PostgresDB) BindRefreshTokenToClient(id, clientID int64) error {
	_, err := p.db.Exec(`UPDATE refresh_tokens SET client_id = $1 WHERE id = $2`, clientID, id)
	return err
}

func (p *PostgresDB) CreateAccessToken(rec *AccessTokenRecord) error {
	_, err := p.db.Exec(
		`INSERT INTO access_tokens(id,user_id,client_id,refresh_token_id,issued_at,expires_at,elevation,elevation_expires_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.UserID, rec.ClientID, rec.RefreshTokenID, rec.IssuedAt, rec.ExpiresAt, string(rec.Elevation), rec.ElevationExpiresAt)
	return err
}

func (p *PostgresDB) GetAccessToken(id string) (*AccessTokenRecord, error) {
	row := p.db.QueryRow(
		`SELECT id,user_id,client_id,refresh_token_id,issued_at,expires_at,elevation,elevation_expires_at FROM access_tokens WHERE id = $1`, id)
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

func (p *PostgresDB) close() error { return p.db.Close() }
func (p *PostgresDB) ping() bool   { return p.db.Ping() == nil }
