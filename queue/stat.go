package queue

// Stat is a read-only snapshot of a queue's internal bookkeeping, used by
// the qinspect REPL's stat command. It derives
// entirely from the invariants the core already maintains and adds no new
// on-disk state.
type Stat struct {
	LiveMessages int
	FreeSlots    int
	HeaderSlots  int
	JournalSize  uint32
}

// Stat returns a snapshot of the queue's current bookkeeping state.
func (q *Queue) Stat() (Stat, error) {
	var s Stat

	err := q.withLock(func() error {
		live, err := q.heap.Size()
		if err != nil {
			return err
		}
		s.LiveMessages = live

		free, err := q.freeHeaders.Size()
		if err != nil {
			return err
		}
		s.FreeSlots = free

		total, err := q.headers.Size()
		if err != nil {
			return err
		}
		s.HeaderSlots = total

		journalSize, err := q.journal.Size()
		if err != nil {
			return err
		}
		s.JournalSize = journalSize

		return nil
	})

	return s, err
}
