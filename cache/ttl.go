package cache

import (
	"time"

	"github.com/agentuity/go-reportcache/report"
)

const (
	DefaultTTL       = time.Hour
	DefaultSystemTTL = time.Hour
	readingStatsTTL  = 2 * time.Hour
	bookListTTL      = time.Hour
)

// TTLPolicy decides how long a freshly written entry stays servable.
type TTLPolicy struct {
	// Default applies to kinds with no explicit entry.
	Default time.Duration
	// System applies to system-wide reports.
	System time.Duration
	// ByKind overrides the default per report kind.
	ByKind map[report.Kind]time.Duration
}

// DefaultTTLPolicy returns the built-in TTL table.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: DefaultTTL,
		System:  DefaultSystemTTL,
		ByKind: map[report.Kind]time.Duration{
			report.KindReadingStats: readingStatsTTL,
			report.KindBookList:     bookListTTL,
		},
	}
}

// For returns the TTL for kind. A non-positive result means the entry does
// not expire.
func (p TTLPolicy) For(kind report.Kind) time.Duration {
	kind = kind.Normalize()
	if kind.SystemWide() {
		return p.System
	}
	if ttl, ok := p.ByKind[kind]; ok {
		return ttl
	}
	return p.Default
}
