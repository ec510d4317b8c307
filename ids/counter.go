package ids

// Counter is the persisted shape of a per-namespace id allocator: a pair of
// (next, lastAllocated) so that re-allocation after a crash cannot duplicate
// an id (spec.md §4.1 "Algorithm notes").
type Counter struct {
	Next          int64
	LastAllocated int64
	// Reserved is how many ids beyond Next have already been handed out to
	// in-memory callers but not yet durably committed (the reserve-ahead
	// scheme of spec.md §5, bounding commit-time contention on the counter
	// record itself).
	Reserved int64
}

// Reserve hands out a block of n fresh ids from the counter, advancing its
// in-memory reservation but leaving LastAllocated untouched until Commit is
// called by the store at crank-commit time.
func (c *Counter) Reserve(n int64) (first int64) {
	first = c.Next + c.Reserved
	c.Reserved += n
	return first
}

// Commit folds the reservation into the durable counter fields after a
// successful store commit.
func (c *Counter) Commit() {
	c.LastAllocated = c.Next + c.Reserved - 1
	c.Next += c.Reserved
	c.Reserved = 0
}

// Rollback discards a reservation that was never committed (crank aborted).
func (c *Counter) Rollback() {
	c.Reserved = 0
}
