// Package params is the engine's configuration store: tunables read by every
// operation and written only by the configured authority.
package params

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotAuthority signals the caller is not the configured authority, or none is configured yet.
	ErrNotAuthority = errors.New("params: caller is not the authority")
	// ErrAuthorityAlreadySet signals a second attempt to install the authority.
	ErrAuthorityAlreadySet = errors.New("params: authority already set")
	// ErrInvalidPrincipal signals an empty authority principal.
	ErrInvalidPrincipal = errors.New("params: invalid principal")
	// ErrOutOfRange signals a tunable outside its permitted range.
	ErrOutOfRange = errors.New("params: value out of range")
	// ErrNotInitialized signals the store has never been written.
	ErrNotInitialized = errors.New("params: not initialized")
)

const (
	MaxVotingPeriod = 1008
	maxPercent      = 100
)

// Params holds every engine tunable. Authority is nil until installed.
type Params struct {
	MaxFollowUps    uint32  `yaml:"max_follow_ups"`
	MatchThreshold  uint8   `yaml:"match_threshold"`
	ResolutionFee   uint64  `yaml:"resolution_fee"`
	VotingPeriod    uint64  `yaml:"voting_period"`
	VotingThreshold uint8   `yaml:"voting_threshold"`
	PenaltyAmount   uint64  `yaml:"penalty_amount"`
	MaxDisputes     uint64  `yaml:"max_disputes"`
	Authority       *string `yaml:"authority,omitempty"`
}

// Defaults returns the values a fresh store starts with.
func Defaults() Params {
	return Params{
		MaxFollowUps:    5,
		MatchThreshold:  80,
		ResolutionFee:   100,
		VotingPeriod:    144,
		VotingThreshold: 51,
		PenaltyAmount:   0,
		MaxDisputes:     1000,
	}
}

// IsAuthority reports whether principal is the configured authority.
func (p Params) IsAuthority(principal string) bool {
	return p.Authority != nil && principal != "" && *p.Authority == principal
}

// Validate checks every range constraint.
func (p Params) Validate() error {
	if p.MaxFollowUps == 0 {
		return fmt.Errorf("%w: max follow-ups must be positive", ErrOutOfRange)
	}
	if err := checkPercent("match threshold", p.MatchThreshold); err != nil {
		return err
	}
	if p.VotingPeriod < 1 || p.VotingPeriod > MaxVotingPeriod {
		return fmt.Errorf("%w: voting period %d not in 1..%d", ErrOutOfRange, p.VotingPeriod, MaxVotingPeriod)
	}
	if err := checkPercent("voting threshold", p.VotingThreshold); err != nil {
		return err
	}
	if p.MaxDisputes == 0 {
		return fmt.Errorf("%w: max disputes must be positive", ErrOutOfRange)
	}
	for _, a := range []struct {
		name string
		v    uint64
	}{
		{"resolution fee", p.ResolutionFee},
		{"penalty amount", p.PenaltyAmount},
		{"max disputes", p.MaxDisputes},
	} {
		if a.v > math.MaxInt64 {
			return fmt.Errorf("%w: %s %d exceeds %d", ErrOutOfRange, a.name, a.v, int64(math.MaxInt64))
		}
	}
	if p.Authority != nil && *p.Authority == "" {
		return ErrInvalidPrincipal
	}
	return nil
}

func checkPercent(name string, v uint8) error {
	if v < 1 || v > maxPercent {
		return fmt.Errorf("%w: %s %d not in 1..100", ErrOutOfRange, name, v)
	}
	return nil
}

// LoadFile reads a YAML seed. Keys missing from the file keep their defaults.
func LoadFile(path string) (Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("params: read %s: %w", path, err)
	}
	p := Defaults()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Params{}, fmt.Errorf("params: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}
