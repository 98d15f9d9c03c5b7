// Package dbbackup decides which backup of a database is due next.
//
// Three tiers exist. A full backup resets the clock for the differential and
// transaction-log tiers, and a differential resets the log tier.
package dbbackup

import (
	"fmt"
	"time"
)

// Kind is a backup tier.
type Kind int

const (
	None Kind = iota
	TransactionLog
	Differential
	Full
)

var kindNames = []string{"none", "transaction_log", "differential", "full"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return None, fmt.Errorf("unknown backup kind %q", s)
}

// History holds when each tier last completed. A zero time means never.
type History struct {
	LastFull           time.Time
	LastDifferential   time.Time
	LastTransactionLog time.Time
}

// HistoryFromRecords builds a History from the latest completion time per
// kind name, as stored in the index. Unknown kinds are ignored.
func HistoryFromRecords(last map[string]time.Time) History {
	return History{
		LastFull:           last[Full.String()],
		LastDifferential:   last[Differential.String()],
		LastTransactionLog: last[TransactionLog.String()],
	}
}

// Record returns the history after a backup of kind k completed at t.
func (h History) Record(k Kind, t time.Time) History {
	switch k {
	case Full:
		h.LastFull = t
	case Differential:
		h.LastDifferential = t
	case TransactionLog:
		h.LastTransactionLog = t
	}
	return h
}

// Policy holds the age at which each tier becomes due.
type Policy struct {
	FullEvery           time.Duration
	DifferentialEvery   time.Duration
	TransactionLogEvery time.Duration
}

// DefaultPolicy is 24h full, 4h differential and 30m transaction log.
var DefaultPolicy = Policy{
	FullEvery:           24 * time.Hour,
	DifferentialEvery:   4 * time.Hour,
	TransactionLogEvery: 30 * time.Minute,
}

// Next returns the highest tier that is due at now, or None.
func (p Policy) Next(h History, now time.Time) Kind {
	if h.LastFull.IsZero() || now.Sub(h.LastFull) >= p.FullEvery {
		return Full
	}
	diff := latest(h.LastDifferential, h.LastFull)
	if now.Sub(diff) >= p.DifferentialEvery {
		return Differential
	}
	log := latest(h.LastTransactionLog, diff)
	if now.Sub(log) >= p.TransactionLogEvery {
		return TransactionLog
	}
	return None
}

// NextBackup applies DefaultPolicy.
func NextBackup(h History, now time.Time) Kind {
	return DefaultPolicy.Next(h, now)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
