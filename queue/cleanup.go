package queue

// cleanupQueue removes expired messages (those past their retention
// period) in batches of at most cleanupBatchSize per lock acquisition,
// repeating until a batch removes fewer than a full batch's worth. This
// keeps any single lock hold bounded regardless of how many messages have
// expired since the last call.
func (q *Queue) cleanupQueue() error {
	for {
		deleted, err := q.cleanupBatch()
		if err != nil {
			return err
		}
		if deleted < cleanupBatchSize {
			return nil
		}
	}
}

func (q *Queue) cleanupBatch() (int, error) {
	var deleted int

	err := q.withLock(func() error {
		now := nowMillis()

		p, err := q.cfg.Params()
		if err != nil {
			return err
		}
		retention := uint64(p.RetentionPeriod.Milliseconds())

		size, err := q.headers.Size()
		if err != nil {
			return err
		}

		for slot := 0; slot < size && deleted < cleanupBatchSize; slot++ {
			h, err := q.headers.Get(slot)
			if err != nil {
				return err
			}
			if !h.Occupied {
				continue
			}
			if now < h.SentTime+retention {
				continue
			}
			if err := q.deleteHeader(uint32(slot), h); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Size returns the number of live messages in the queue, after running
// cleanup so the count excludes messages that have just expired.
func (q *Queue) Size() (int, error) {
	if err := q.cleanupQueue(); err != nil {
		return 0, err
	}

	var size int
	err := q.withLock(func() error {
		n, err := q.heap.Size()
		if err != nil {
			return err
		}
		size = n
		return nil
	})
	return size, err
}
