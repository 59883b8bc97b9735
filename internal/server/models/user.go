// Package models defines server-side data models persisted in the database.
package models

import (
	"slices"
	"time"
)

// User is the identity record. UserName and Email are stored lowercased.
type User struct {
	ID                string
	UserName          string
	Email             string
	FirstName         string
	LastName          string
	PasswordHash      string
	EmailConfirmed    bool
	AccessFailedCount int
	LockoutEnd        *time.Time
	Roles             []string
	CreatedAt         time.Time
}

// HasRole reports whether the user is a member of role.
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}
