// Package idgen generates identifiers for new domain rows. Grounded on the
// teacher's common.GenerateUUIDv7 helper, used everywhere a *PostgreSQLModel
// is built FromEntity.
package idgen

import "github.com/google/uuid"

// Rng is the construction-injected randomness source named in §9's redesign
// note; tests can substitute a deterministic generator.
type Rng interface {
	NewV7() (uuid.UUID, error)
}

type realRng struct{}

// Real returns the production UUIDv7 generator.
func Real() Rng { return realRng{} }

func (realRng) NewV7() (uuid.UUID, error) {
	return uuid.NewV7()
}

// MustNewV7 panics on entropy failure, acceptable only for the production Rng
// where failure indicates a broken host.
func MustNewV7(r Rng) uuid.UUID {
	id, err := r.NewV7()
	if err != nil {
		panic(err)
	}

	return id
}

// Sequential is a deterministic Rng for tests: it returns UUIDs derived from
// an incrementing counter so test assertions can be exact.
type Sequential struct {
	n uint64
}

func NewSequential() *Sequential { return &Sequential{} }

func (s *Sequential) NewV7() (uuid.UUID, error) {
	s.n++
	var b [16]byte
	b[0], b[6] = 0x01, 0x70 // version 7 nibble, stable prefix for test fixtures

	for i := 0; i < 8; i++ {
		b[15-i] = byte(s.n >> (8 * i))
	}

	return uuid.FromBytes(b[:])
}
