package entry

import "time"

// Stats summarizes the contents of a backend.
type Stats struct {
	EntryCount      int            `json:"entryCount"`
	ApproxSizeBytes int64          `json:"sizeBytes"`
	StaleCount      int            `json:"staleCount"`
	ByStatus        map[Status]int `json:"byStatus"`
	OldestEntry     time.Time      `json:"oldestEntry,omitzero"`
	NewestEntry     time.Time      `json:"newestEntry,omitzero"`
}

// StatsBuilder accumulates Stats from metas observed at a fixed instant.
type StatsBuilder struct {
	now   time.Time
	stats Stats
}

func NewStatsBuilder(now time.Time) *StatsBuilder {
	return &StatsBuilder{now: now, stats: Stats{ByStatus: make(map[Status]int)}}
}

// Add records one entry of approximately size bytes.
func (b *StatsBuilder) Add(m Meta, size int64) {
	s := &b.stats
	s.EntryCount++
	s.ApproxSizeBytes += size
	s.ByStatus[m.Status]++
	if IsStale(m, b.now) {
		s.StaleCount++
	}
	created := m.Created()
	if s.OldestEntry.IsZero() || created.Before(s.OldestEntry) {
		s.OldestEntry = created
	}
	if s.NewestEntry.IsZero() || created.After(s.NewestEntry) {
		s.NewestEntry = created
	}
}

func (b *StatsBuilder) Stats() Stats { return b.stats }
