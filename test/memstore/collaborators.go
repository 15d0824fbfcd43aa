package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"complaintflow/auth"
	"complaintflow/complaint"
	"complaintflow/params"
)

// Registry is an in-memory complaint.Registry.
type Registry struct {
	mu     sync.Mutex
	hashes map[uint64][]byte
}

func NewRegistry() *Registry {
	return &Registry{hashes: map[uint64][]byte{}}
}

func (r *Registry) Put(complaintID uint64, hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[complaintID] = bytes.Clone(hash)
}

func (r *Registry) LookupHash(_ context.Context, complaintID uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hashes[complaintID]
	if !ok {
		return nil, complaint.ErrNotFound
	}
	return bytes.Clone(h), nil
}

// Roles is an in-memory role directory.
type Roles struct {
	mu    sync.Mutex
	roles map[string]auth.Role
}

func NewRoles() *Roles {
	return &Roles{roles: map[string]auth.Role{}}
}

func (r *Roles) Grant(principal string, role auth.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[principal] = role
}

func (r *Roles) HasRole(_ context.Context, principal string, role auth.Role) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	got, ok := r.roles[principal]
	return ok && got == role, nil
}

// Params serves a fixed parameter set.
type Params struct {
	mu sync.Mutex
	p  params.Params
}

func NewParams(p params.Params) *Params {
	return &Params{p: p}
}

func (s *Params) Set(p params.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = p
}

func (s *Params) Current(context.Context) (params.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, nil
}

// Event is one recorded outbox entry.
type Event struct {
	Topic   string
	Payload map[string]any
}

// Events records enqueued events.
type Events struct {
	mu     sync.Mutex
	events []Event
}

func (e *Events) Enqueue(_ context.Context, _ pgx.Tx, topic string, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Event{Topic: topic, Payload: payload})
	return nil
}

func (e *Events) Topics() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Topic)
	}
	return out
}

func (e *Events) All() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}
