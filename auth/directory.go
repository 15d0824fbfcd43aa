package auth

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// UserReader is the read side of Repository used by the directory.
type UserReader interface {
	GetUserByID(ctx context.Context, userID string) (User, error)
}

// Directory answers role membership questions for principals. Roles are
// looked up from the user store and cached for a short TTL.
type Directory struct {
	users UserReader
	cache *cache.Cache
}

// NewDirectory builds a Directory. A zero ttl disables caching.
func NewDirectory(users UserReader, ttl time.Duration) *Directory {
	d := &Directory{users: users}
	if ttl > 0 {
		d.cache = cache.New(ttl, 2*ttl)
	}
	return d
}

// HasRole reports whether principal holds role. Unknown principals hold no role.
func (d *Directory) HasRole(ctx context.Context, principal string, role Role) (bool, error) {
	if principal == "" || !isValidRole(role) {
		return false, nil
	}
	held, err := d.roleOf(ctx, principal)
	if err != nil {
		return false, err
	}
	return held == role, nil
}

func (d *Directory) roleOf(ctx context.Context, principal string) (Role, error) {
	if d.cache != nil {
		if v, ok := d.cache.Get(principal); ok {
			return v.(Role), nil
		}
	}
	user, err := d.users.GetUserByID(ctx, principal)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return "", nil
		}
		return "", err
	}
	if d.cache != nil {
		d.cache.SetDefault(principal, user.Role)
	}
	return user.Role, nil
}
