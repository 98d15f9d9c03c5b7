package model

import (
	"fmt"
	"strings"
)

// Priority classifies a file for hash strength and container rules.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityMeta
)

var priorityNames = []string{"Low", "Medium", "High", "Meta"}

func (p Priority) String() string {
	if p < 0 || int(p) >= len(priorityNames) {
		return fmt.Sprintf("Priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority parses a priority name, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	i, err := parseEnum(s, priorityNames)
	if err != nil {
		return 0, fmt.Errorf("parsing priority: %w", err)
	}
	return Priority(i), nil
}

// SyncStatus is the per-provider upload progress for one file.
type SyncStatus int

const (
	Unsynced SyncStatus = iota
	InProgress
	Synced
	ProviderError
)

var syncStatusNames = []string{"Unsynced", "InProgress", "Synced", "ProviderError"}

func (s SyncStatus) String() string {
	if s < 0 || int(s) >= len(syncStatusNames) {
		return fmt.Sprintf("SyncStatus(%d)", int(s))
	}
	return syncStatusNames[s]
}

// ParseSyncStatus parses an exact sync status name.
func ParseSyncStatus(s string) (SyncStatus, error) {
	for i, n := range syncStatusNames {
		if s == n {
			return SyncStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown sync status %q", s)
}

// HydrationStatus tracks cold-storage tier transitions. Informational only.
type HydrationStatus int

const (
	HydrationNone HydrationStatus = iota
	MovingToArchiveTier
	MovingToActiveTier
)

var hydrationNames = []string{"None", "MovingToArchiveTier", "MovingToActiveTier"}

func (h HydrationStatus) String() string {
	if h < 0 || int(h) >= len(hydrationNames) {
		return fmt.Sprintf("HydrationStatus(%d)", int(h))
	}
	return hydrationNames[h]
}

// ParseHydrationStatus parses an exact hydration status name.
func ParseHydrationStatus(s string) (HydrationStatus, error) {
	for i, n := range hydrationNames {
		if s == n {
			return HydrationStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hydration status %q", s)
}

// OverallState is the aggregate of a file's provider states.
type OverallState int

const (
	OverallUnsynced OverallState = iota
	OverallInProgress
	OverallSynced
	OverallProviderError
)

var overallNames = []string{"Unsynced", "InProgress", "Synced", "ProviderError"}

func (o OverallState) String() string {
	if o < 0 || int(o) >= len(overallNames) {
		return fmt.Sprintf("OverallState(%d)", int(o))
	}
	return overallNames[o]
}

// HashAlgorithm identifies a content digest algorithm.
type HashAlgorithm int

const (
	HashNone HashAlgorithm = iota
	HashSHA1
	HashSHA256
	HashSHA512
)

var hashNames = []string{"None", "SHA1", "SHA256", "SHA512"}

func (h HashAlgorithm) String() string {
	if h < 0 || int(h) >= len(hashNames) {
		return fmt.Sprintf("HashAlgorithm(%d)", int(h))
	}
	return hashNames[h]
}

// ParseHashAlgorithm parses an exact algorithm name.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	for i, n := range hashNames {
		if s == n {
			return HashAlgorithm(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hash algorithm %q", s)
}

func parseEnum(s string, names []string) (int, error) {
	for i, n := range names {
		if strings.EqualFold(s, n) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown value %q (want one of %s)", s, strings.Join(names, ", "))
}
