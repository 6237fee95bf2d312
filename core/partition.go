package core

import "time"

// Partition tiers. A partition is created hot, moves to archive once its
// range ages past the hot-retention threshold, and is marked deleted once
// past the archive-retention threshold. The hot path never mutates
// partition metadata.
const (
	TierHot     = "hot"
	TierArchive = "archive"
	TierDeleted = "deleted"
)

// Partition describes one time-range slice of an event table and where its
// data currently lives. Tier transitions go through a compare-and-swap
// update keyed by (id, expected tier) so two scheduler runs never
// double-process the same partition.
type Partition struct {
	ID              string    `json:"id"`
	Table           string    `json:"table"`
	RangeStart      time.Time `json:"range_start"`
	RangeEnd        time.Time `json:"range_end"`
	Tier            string    `json:"tier"`
	StorageLocation string    `json:"storage_location,omitempty"`
}

// Covers reports whether ts falls inside the partition's half-open range
// [RangeStart, RangeEnd).
func (p *Partition) Covers(ts time.Time) bool {
	return !ts.Before(p.RangeStart) && ts.Before(p.RangeEnd)
}
