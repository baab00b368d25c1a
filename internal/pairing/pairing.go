// Package pairing issues and consumes the short-lived codes that bind a new
// device (and later its controller) to the relay.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/remoteeye/relay/internal/store"
)

var (
	ErrCodeInvalid         = errors.New("pairing: code invalid")
	ErrCodeExpired         = errors.New("pairing: code expired")
	ErrCodeAlreadyUsed     = errors.New("pairing: code already used")
	ErrDeviceNotRegistered = errors.New("pairing: no device registered for code")
)

const (
	codeAlphabet = "0123456789ABCDEF"
	codeLength   = 6
)

// Service issues, validates, and consumes pairing codes. Codes are normalized
// to upper case both at issuance and on every lookup, so a client may type
// them in any case.
type Service struct {
	store store.Store
	ttl   time.Duration
	now   func() time.Time
}

func NewService(st store.Store, ttl time.Duration) *Service {
	return &Service{store: st, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source. Test use only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Normalize canonicalizes a user-supplied code for storage and comparison.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode() (string, error) {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Issue creates a fresh single-use code. Collisions with a live code are
// retried; with 16^6 possibilities and a 10-minute window they are rare.
func (s *Service) Issue(ctx context.Context) (store.PairingCode, error) {
	now := s.now().UTC()
	for attempt := 0; attempt < 5; attempt++ {
		code, err := generateCode()
		if err != nil {
			return store.PairingCode{}, err
		}
		pc := store.PairingCode{
			Code:      code,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		err = s.store.CreatePairingCode(ctx, pc)
		if errors.Is(err, store.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return store.PairingCode{}, err
		}
		return pc, nil
	}
	return store.PairingCode{}, fmt.Errorf("pairing: could not allocate a unique code")
}

// Validate checks that a code exists, is unused, and is unexpired, and
// returns its normalized form. It does not consume the code.
func (s *Service) Validate(ctx context.Context, code string) (string, error) {
	normalized := Normalize(code)
	pc, err := s.store.PairingCode(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrCodeInvalid
	}
	if err != nil {
		return "", err
	}
	if pc.Used {
		return "", ErrCodeAlreadyUsed
	}
	if s.now().UTC().After(pc.ExpiresAt) {
		return "", ErrCodeExpired
	}
	return normalized, nil
}

// Bind consumes a validated code, permanently tying it to the device that
// registered with it. Once bound the code is rejected forever.
func (s *Service) Bind(ctx context.Context, code, deviceID string) error {
	return s.store.MarkPairingCodeUsed(ctx, Normalize(code), deviceID)
}

// Lookup resolves the device bound to a used code. Controllers register with
// the same code the device consumed, after the device has finished.
func (s *Service) Lookup(ctx context.Context, code string) (string, error) {
	pc, err := s.store.PairingCode(ctx, Normalize(code))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrCodeInvalid
	}
	if err != nil {
		return "", err
	}
	if !pc.Used || pc.DeviceID == "" {
		return "", ErrDeviceNotRegistered
	}
	return pc.DeviceID, nil
}

// Sweep removes expired unused codes. Used codes are kept so repeat
// consumption attempts keep failing with ErrCodeAlreadyUsed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.DeleteExpiredPairingCodes(ctx, s.now().UTC())
}
