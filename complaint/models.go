package complaint

import (
	"errors"
	"time"
)

// HashSize is the width of a committed complaint content hash.
const HashSize = 32

var (
	// ErrNotFound signals the registry has no hash for the complaint.
	ErrNotFound = errors.New("complaint: not found")
	// ErrAlreadyRegistered signals the complaint id is already committed.
	ErrAlreadyRegistered = errors.New("complaint: already registered")
	// ErrInvalidID signals a zero complaint id.
	ErrInvalidID = errors.New("complaint: invalid id")
	// ErrInvalidHash signals a content hash that is not HashSize bytes.
	ErrInvalidHash = errors.New("complaint: invalid content hash")
)

// Record is the registry's view of a complaint: its id and committed hash.
type Record struct {
	ID          uint64
	ContentHash []byte
	CreatedAt   time.Time
}
