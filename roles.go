package main

import "strings"

// RoleChecker is the opaque capability gate for privileged endpoints. Role
// management itself lives outside this service.
type RoleChecker interface {
	IsAdmin(email string) bool
}

// StaticRoles grants the admin capability to a fixed set of addresses, as
// configured at startup.
type StaticRoles struct {
	admins map[string]struct{}
}

func NewStaticRoles(emails []string) *StaticRoles {
	admins := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			admins[e] = struct{}{}
		}
	}
	return &StaticRoles{admins: admins}
}

func (s *StaticRoles) IsAdmin(email string) bool {
	_, ok := s.admins[strings.ToLower(email)]
	return ok
}
