package types

import (
	"context"
	"time"
)

// AddressRecord is the reputation state kept for one source address.
type AddressRecord struct {
	Address        string
	FailedAttempts int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
	Banned         bool
	BannedAt       *time.Time // set only while Banned
	BanReason      string
	// BanSeq orders bans that share a BannedAt. Tables assign it when a
	// record becomes banned and clear it on unban.
	BanSeq int64
}

// BannedEntry is one row of Stats.RecentBans.
type BannedEntry struct {
	Address        string    `json:"address" yaml:"address"`
	FailedAttempts int       `json:"failed_attempts" yaml:"failed_attempts"`
	BannedAt       time.Time `json:"banned_at" yaml:"banned_at"`
}

// Stats is a reporting snapshot of the store. The three fields are not
// read atomically with respect to each other.
type Stats struct {
	TrackedCount int           `json:"tracked_count" yaml:"tracked_count"`
	BannedCount  int           `json:"banned_count" yaml:"banned_count"`
	RecentBans   []BannedEntry `json:"recent_bans" yaml:"recent_bans"`
}

// UpdateFunc mutates rec in place. found reports whether rec was loaded from
// the table; when it is false rec is a zero record carrying only Address.
// The change is persisted only when write is true.
type UpdateFunc func(rec *AddressRecord, found bool) (write bool, err error)

// Table is the durable record-per-address collection behind a reputation store.
type Table interface {
	Init(ctx context.Context) error
	// Get returns nil, nil for unknown addresses.
	Get(ctx context.Context, address string) (*AddressRecord, error)
	// Update runs fn as one atomic read-modify-write and commits before returning.
	Update(ctx context.Context, address string, fn UpdateFunc) error
	// ListBanned returns banned records, most recent ban first.
	ListBanned(ctx context.Context) ([]AddressRecord, error)
	Stats(ctx context.Context, recentLimit int) (Stats, error)
	Close() error
}

// Gatekeeper answers whether a connection from address must be rejected.
type Gatekeeper func(address string) bool
