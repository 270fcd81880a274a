// Package config holds WalnutDB's tunables and the durability enum shared
// by the WAL and transaction pipeline.
//
// Built as a single Options struct with documented default constants,
// passed through construction rather than per-package option types:
// WalnutDB has no package-level mutable flags anywhere.
package config

import (
	"time"

	"go.uber.org/zap"
)

// Durability controls how aggressively a commit's bytes are pushed to
// stable storage before its handle completes.
type Durability int

const (
	// DurabilityNone performs no fsync; a handle completes as soon as its
	// bytes have been written to the WAL file (handed to the OS, not synced),
	// unless a stricter batch in the same group forces a sync. Intended for tests and
	// ephemeral, re-derivable data.
	DurabilityNone Durability = iota

	// DurabilitySafe fsyncs the WAL file's data before completing. This is
	// the default.
	DurabilitySafe

	// DurabilityParanoid fsyncs the WAL file's data and, additionally, the
	// containing directory — relevant whenever the WAL file itself was
	// created or renamed since the last sync.
	DurabilityParanoid
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilitySafe:
		return "safe"
	case DurabilityParanoid:
		return "paranoid"
	default:
		return "unknown"
	}
}

// Options configures a Database. Zero value is invalid; use Default to get
// a safe baseline and override only what's needed.
type Options struct {
	// GroupWindow bounds how long the WAL writer waits to coalesce
	// concurrently-submitted commit batches into one fsync.
	GroupWindow time.Duration

	// DefaultDurability is the durability Database.DropTable commits at.
	// Single-row Table operations (Upsert, Delete) always commit at
	// DurabilitySafe and do not read it.
	DefaultDurability Durability

	// AnchorStride is the number of SST records between sparse-index
	// anchors.
	AnchorStride int

	// UniqueBackoffBudget bounds the total time a unique-index reservation
	// retry loop will spend before failing with UniqueViolation.
	UniqueBackoffBudget time.Duration

	// PageSize bounds how many records a single merge-reader page returns.
	PageSize int

	// CompactionTrigger is how many of a table's oldest live SSTs one
	// Database.Compact call merges (all of them if fewer are live). Nothing
	// compacts automatically; WithDefaults replaces zero or a negative value
	// with the default.
	CompactionTrigger int

	// PayloadCodec optionally transforms value bytes on write and inverts
	// the transform on read (e.g. encryption). Keys are never transformed.
	// Defaults to the identity transform.
	PayloadCodec PayloadCodec

	// Logger receives structured diagnostics (recovery stats, checkpoint
	// progress, WAL tail-truncation warnings, compaction activity). Defaults
	// to zap.NewNop() so a Database never writes to stderr unasked.
	Logger *zap.SugaredLogger
}

// PayloadCodec is a pluggable encryption-style transform over value bytes
// only, keyed by (tableName, key).
type PayloadCodec interface {
	Encode(tableName string, key, value []byte) ([]byte, error)
	Decode(tableName string, key, value []byte) ([]byte, error)
}

type identityCodec struct{}

func (identityCodec) Encode(_ string, _ []byte, v []byte) ([]byte, error) { return v, nil }
func (identityCodec) Decode(_ string, _ []byte, v []byte) ([]byte, error) { return v, nil }

// Default returns WalnutDB's baseline configuration.
func Default() Options {
	return Options{
		GroupWindow:         5 * time.Millisecond,
		DefaultDurability:   DurabilitySafe,
		AnchorStride:        1024,
		UniqueBackoffBudget: 300 * time.Millisecond,
		PageSize:            1024,
		CompactionTrigger:   4,
		PayloadCodec:        identityCodec{},
		Logger:              zap.NewNop().Sugar(),
	}
}

// WithDefaults fills any zero-valued field of o with Default()'s value,
// returning the result. It never overwrites an explicitly-set field.
func (o Options) WithDefaults() Options {
	d := Default()
	if o.GroupWindow <= 0 {
		o.GroupWindow = d.GroupWindow
	}
	if o.AnchorStride <= 0 {
		o.AnchorStride = d.AnchorStride
	}
	if o.UniqueBackoffBudget <= 0 {
		o.UniqueBackoffBudget = d.UniqueBackoffBudget
	}
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.CompactionTrigger <= 0 {
		o.CompactionTrigger = d.CompactionTrigger
	}
	if o.PayloadCodec == nil {
		o.PayloadCodec = d.PayloadCodec
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
