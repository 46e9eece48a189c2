package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const DefaultBcryptCost = 12

// Hasher hashes and verifies passwords with bcrypt. Concurrent bcrypt work is
// bounded by a weighted semaphore so a login burst cannot take every CPU.
type Hasher struct {
	cost      int
	slots     *semaphore.Weighted
	reference []byte
	compare   func(hash, password []byte) error
}

func NewHasher(cost, maxConcurrent int) (*Hasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}

	// The reference hash is compared against when there is no real hash to
	// check, so it must cost the same as a stored one.
	filler := make([]byte, 32)
	if _, err := rand.Read(filler); err != nil {
		return nil, fmt.Errorf("generate reference password: %w", err)
	}
	reference, err := bcrypt.GenerateFromPassword([]byte(hex.EncodeToString(filler)), cost)
	if err != nil {
		return nil, fmt.Errorf("generate reference hash: %w", err)
	}

	return &Hasher{
		cost:      cost,
		slots:     semaphore.NewWeighted(int64(maxConcurrent)),
		reference: reference,
		compare:   bcrypt.CompareHashAndPassword,
	}, nil
}

func (h *Hasher) Cost() int {
	return h.cost
}

func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.slots.Release(1)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether password matches hash. A malformed hash is replaced by
// the reference hash so the comparison cost is paid either way. The error is
// only set when the context ends before a hashing slot frees up.
func (h *Hasher) Verify(ctx context.Context, password, hash string) (bool, error) {
	target := []byte(hash)
	usable := true
	if _, err := bcrypt.Cost(target); err != nil {
		target = h.reference
		usable = false
	}

	matched, err := h.run(ctx, target, password)
	if err != nil {
		return false, err
	}
	return usable && matched, nil
}

// VerifyDummy burns one full comparison against the reference hash. Used when
// the account does not exist.
func (h *Hasher) VerifyDummy(ctx context.Context, password string) error {
	_, err := h.run(ctx, h.reference, password)
	return err
}

func (h *Hasher) run(ctx context.Context, hash []byte, password string) (bool, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("acquire hash slot: %w", err)
	}
	defer h.slots.Release(1)

	// Any comparison error, mismatch or otherwise, is a negative outcome.
	return h.compare(hash, []byte(password)) == nil, nil
}
