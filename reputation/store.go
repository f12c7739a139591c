package reputation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/iwanhae/ssh-warden/types"
)

const (
	DefaultThreshold   = 5
	DefaultResetWindow = time.Hour
	DefaultRecentLimit = 10
)

// Store is the ban-decision engine. It owns every mutation of the record
// table; callers never touch the table directly.
type Store struct {
	mu    sync.Mutex // serializes all read-modify-write sequences
	table types.Table

	threshold   int
	window      time.Duration
	recentLimit int
	failOpen    bool
	now         func() time.Time
	logger      *log.Logger
}

type Option func(*Store)

func WithThreshold(n int) Option {
	return func(s *Store) { s.threshold = n }
}

func WithResetWindow(d time.Duration) Option {
	return func(s *Store) { s.window = d }
}

func WithRecentLimit(n int) Option {
	return func(s *Store) { s.recentLimit = n }
}

// WithFailOpen makes IsBanned report "not banned" instead of an error when
// the table cannot be read.
func WithFailOpen(enabled bool) Option {
	return func(s *Store) { s.failOpen = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore builds a Store over an already initialised table.
func NewStore(table types.Table, opts ...Option) (*Store, error) {
	if table == nil {
		return nil, errors.New("reputation: nil table")
	}
	s := &Store{
		table:       table,
		threshold:   DefaultThreshold,
		window:      DefaultResetWindow,
		recentLimit: DefaultRecentLimit,
		now:         time.Now,
		logger:      log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.threshold < 1 {
		return nil, fmt.Errorf("reputation: ban threshold must be >= 1, got %d", s.threshold)
	}
	if s.window <= 0 {
		return nil, fmt.Errorf("reputation: reset window must be positive, got %s", s.window)
	}
	if s.recentLimit < 0 {
		s.recentLimit = 0
	}
	return s, nil
}

func (s *Store) Threshold() int { return s.threshold }

func (s *Store) ResetWindow() time.Duration { return s.window }

// IsBanned reports the current banned flag of address. Unknown addresses are
// not banned.
func (s *Store) IsBanned(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, types.ErrInvalidAddress
	}
	rec, err := s.table.Get(ctx, address)
	if err != nil {
		if s.failOpen {
			s.logger.Warn("ban lookup failed, allowing", "addr", address, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("lookup %s: %w", address, err)
	}
	return rec != nil && rec.Banned, nil
}

// Get returns the full record for address, or nil when it was never seen.
func (s *Store) Get(ctx context.Context, address string) (*types.AddressRecord, error) {
	if address == "" {
		return nil, types.ErrInvalidAddress
	}
	rec, err := s.table.Get(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", address, err)
	}
	return rec, nil
}

// RecordFailure counts one authentication failure for address and returns
// true iff this call moved the address into the banned state.
func (s *Store) RecordFailure(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, types.ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var promoted bool
	var attempts int
	err := s.table.Update(ctx, address, func(rec *types.AddressRecord, found bool) (bool, error) {
		// A stale window is discarded whole, not decayed.
		if !found || now.Sub(rec.FirstAttemptAt) > s.window || now.Before(rec.FirstAttemptAt) {
			rec.FailedAttempts = 0
			rec.FirstAttemptAt = now
		}
		rec.FailedAttempts++
		rec.LastAttemptAt = now
		if rec.FailedAttempts >= s.threshold && !rec.Banned {
			at := now
			rec.Banned = true
			rec.BannedAt = &at
			rec.BanReason = fmt.Sprintf("exceeded %d failed attempts", s.threshold)
			promoted = true
		}
		attempts = rec.FailedAttempts
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("record failure for %s: %w", address, err)
	}

	failuresRecorded.Inc()
	if promoted {
		bansTotal.WithLabelValues("threshold").Inc()
		s.logger.Info("address banned", "addr", address, "attempts", attempts)
	} else {
		s.logger.Debug("failure recorded", "addr", address, "attempts", attempts)
	}
	return promoted, nil
}

// Ban puts address on the ban list by hand. It returns false when the
// address is already banned.
func (s *Store) Ban(ctx context.Context, address, reason string) (bool, error) {
	if address == "" {
		return false, types.ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var added bool
	err := s.table.Update(ctx, address, func(rec *types.AddressRecord, found bool) (bool, error) {
		if found && rec.Banned {
			return false, nil
		}
		if !found {
			rec.FirstAttemptAt = now
		}
		// Window expiry is not consulted here, the counter is only clamped.
		if rec.FailedAttempts < s.threshold {
			rec.FailedAttempts = s.threshold
		}
		at := now
		rec.LastAttemptAt = now
		rec.Banned = true
		rec.BannedAt = &at
		rec.BanReason = reason
		added = true
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("ban %s: %w", address, err)
	}

	if added {
		bansTotal.WithLabelValues("manual").Inc()
		s.logger.Info("address banned manually", "addr", address, "reason", reason)
	} else {
		s.logger.Info("address already banned", "addr", address)
	}
	return added, nil
}

// BanBulk bans every address independently and returns how many were newly
// banned. Errors for individual addresses are joined and returned alongside
// the count.
func (s *Store) BanBulk(ctx context.Context, addresses []string, reason string) (int, error) {
	var added int
	var errs []error
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		ok, err := s.Ban(ctx, addr, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			added++
		}
	}
	s.logger.Info("bulk ban finished", "added", added, "requested", len(addresses), "failed", len(errs))
	return added, errors.Join(errs...)
}

// Unban lifts a ban and zeroes the failure counter. It returns false when
// the address is unknown or not banned; a tracked address that is not
// banned still has its counter zeroed.
func (s *Store) Unban(ctx context.Context, address string) (bool, error) {
	if address == "" {
		return false, types.ErrInvalidAddress
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lifted bool
	err := s.table.Update(ctx, address, func(rec *types.AddressRecord, found bool) (bool, error) {
		if !found {
			return false, nil
		}
		if !rec.Banned {
			if rec.FailedAttempts == 0 {
				return false, nil
			}
			rec.FailedAttempts = 0
			return true, nil
		}
		rec.Banned = false
		rec.BannedAt = nil
		rec.BanReason = ""
		rec.FailedAttempts = 0
		lifted = true
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("unban %s: %w", address, err)
	}
	if lifted {
		s.logger.Info("address unbanned", "addr", address)
	}
	return lifted, nil
}

// ListBanned returns all banned records, most recent ban first.
func (s *Store) ListBanned(ctx context.Context) ([]types.AddressRecord, error) {
	recs, err := s.table.ListBanned(ctx)
	if err != nil {
		return nil, fmt.Errorf("list banned: %w", err)
	}
	return recs, nil
}

func (s *Store) Stats(ctx context.Context) (types.Stats, error) {
	st, err := s.table.Stats(ctx, s.recentLimit)
	if err != nil {
		return types.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// Gatekeeper adapts IsBanned to the boolean connection check. A lookup
// error rejects the connection unless the store is fail-open, in which
// case IsBanned has already turned it into "not banned".
func (s *Store) Gatekeeper() types.Gatekeeper {
	return func(address string) bool {
		banned, err := s.IsBanned(context.Background(), address)
		if err != nil {
			s.logger.Error("gatekeeper lookup failed, rejecting", "addr", address, "error", err)
			gatekeeperRejections.WithLabelValues("error").Inc()
			return true
		}
		if banned {
			gatekeeperRejections.WithLabelValues("banned").Inc()
		}
		return banned
	}
}

func (s *Store) Close() error {
	return s.table.Close()
}
