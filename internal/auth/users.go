package auth

import (
	"context"
	"fmt"
	"sync"
)

// User is one entry in a UserDirectory. PasswordHash must be a hash
// produced by the directory's Hasher. ID defaults to Username.
type User struct {
	Username     string
	PasswordHash string
	ID           string
	Name         string
	Roles        []string
	Permissions  []string
}

type userRecord struct {
	passwordHash string
	principal    Principal
}

// UserDirectory verifies username/password credentials against a local
// user list. It serves both Basic and Form credentials.
type UserDirectory struct {
	hasher Hasher

	mu    sync.RWMutex
	users map[string]*userRecord

	// Verified against for unknown usernames so lookup misses cost the
	// same as a wrong password, preventing user enumeration by timing.
	dummyHash string
}

// NewUserDirectory builds a directory over the given users.
func NewUserDirectory(hasher Hasher, users ...User) *UserDirectory {
	d := &UserDirectory{
		hasher: hasher,
		users:  make(map[string]*userRecord, len(users)),
	}
	d.dummyHash, _ = hasher.Hash("trellis-dummy-password")
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put adds or replaces a user.
func (d *UserDirectory) Put(u User) {
	id := u.ID
	if id == "" {
		id = u.Username
	}
	d.mu.Lock()
	d.users[u.Username] = &userRecord{
		passwordHash: u.PasswordHash,
		principal: Principal{
			ID:          id,
			Name:        u.Name,
			Roles:       u.Roles,
			Permissions: u.Permissions,
		},
	}
	d.mu.Unlock()
}

// Remove deletes a user.
func (d *UserDirectory) Remove(username string) {
	d.mu.Lock()
	delete(d.users, username)
	d.mu.Unlock()
}

// Len returns the number of users.
func (d *UserDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Authenticate verifies Basic or Form credentials.
func (d *UserDirectory) Authenticate(_ context.Context, creds Credentials) (*Principal, error) {
	var username, password string
	switch c := creds.(type) {
	case Basic:
		username, password = c.Username, c.Password
	case Form:
		username, password = c.Username, c.Password
	default:
		return nil, fmt.Errorf("%w: unsupported credential kind %q", ErrInvalidCredentials, creds.Kind())
	}
	return d.verify(username, password)
}

func (d *UserDirectory) verify(username, password string) (*Principal, error) {
	d.mu.RLock()
	rec, found := d.users[username]
	d.mu.RUnlock()

	if !found {
		d.hasher.Verify(password, d.dummyHash)
		return nil, fmt.Errorf("%w: unknown user", ErrInvalidCredentials)
	}
	if !d.hasher.Verify(password, rec.passwordHash) {
		return nil, fmt.Errorf("%w: wrong password", ErrInvalidCredentials)
	}

	p := rec.principal
	return &p, nil
}

var _ Strategy = (*UserDirectory)(nil)
