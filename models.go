package main

import "time"

// Elevation is the trust tier attached to an access token. Elevated tiers
// expire on their own clock, separately from the token itself.
type Elevation string

const (
	ElevationNone     Elevation = "NONE"
	ElevationElevated Elevation = "ELEVATED"
	ElevationCritical Elevation = "CRITICAL"
)

// User represents a registered end-user.
type User struct {
	ID             int64
	Email          string
	PasswordHash   string
	FirstName      string
	LastName       string
	AllowMarketing bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Client is an application instance registered by a user. The secret is
// issued at registration and only ever shown to the owning client again.
type Client struct {
	ID         int64
	UserID     int64
	Name       string
	Brand      string
	Model      string
	OS         string
	Secret     string
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// RefreshToken is the durable credential behind access token renewal.
// Revocation is a flag flip, never a row deletion, so history survives.
type RefreshToken struct {
	ID              int64
	Token           string
	UserID          int64
	ClientID        *int64
	SSORefreshToken string
	ExpiresAt       int64
	Revoked         bool
	CreatedAt       time.Time
}

// AccessTokenRecord is the persisted side of an issued access token. The
// bearer value itself is a signed JWT whose jti points at this record.
type AccessTokenRecord struct {
	ID                 string
	UserID             int64
	ClientID           *int64
	RefreshTokenID     *int64
	IssuedAt           int64
	ExpiresAt          int64
	Elevation          Elevation
	ElevationExpiresAt *int64
}

// UserQuery selects exactly one search criterion for admin user lookup.
type UserQuery struct {
	Email     string
	FirstName string
	LastName  string
	UserID    int64
}
