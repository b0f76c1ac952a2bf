// Package queue is the public entry point of the module: a persistent,
// file-backed message queue for same-host inter-process communication.
// Every other package under internal/ is a supporting component this
// package composes into Push/Pull/Delete/Size.
package queue

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/sharedmq/sharedmq/internal/arraylist"
	"github.com/sharedmq/sharedmq/internal/blobstore"
	"github.com/sharedmq/sharedmq/internal/config"
	"github.com/sharedmq/sharedmq/internal/fs"
	"github.com/sharedmq/sharedmq/internal/journal"
	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/pqueue"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// creationLocker serializes the one-time window in which a queue
// directory's files (config.dat, rollback.dat, headers.dat, ...) are
// created for the first time, so two processes racing to open the same
// brand-new directory don't both run config.Create concurrently. Once
// config.dat exists, steady-state synchronization is entirely the
// ByteBufferLock embedded in it; this flock only guards creation.
var creationLocker = fs.NewLocker(fs.NewReal())

const (
	fileIDHeaders      = 10
	fileIDFreeHeaders  = 20
	fileIDPriorityHeap = 30
	fileIDContent      = 40
)

// cleanupBatchSize bounds how many expired messages cleanupQueue removes
// per lock acquisition, so a single call never holds the config lock for
// longer than one batch's worth of work.
const cleanupBatchSize = 100

// MaxDelay is the upper bound on Push's delay argument.
const MaxDelay = 15 * time.Minute

// MaxBodySize is the upper bound on a message body, encoded.
const MaxBodySize = 256 * 1024

// MaxPullTimeout is the upper bound on Pull's timeout argument.
const MaxPullTimeout = 20 * time.Second

// pollInterval bounds how long a single wait-for-message iteration blocks
// before re-checking the deadline and re-running cleanup.
const pollInterval = 50 * time.Millisecond

// Queue is a single queue directory: config.dat, rollback.dat, headers.dat,
// free-headers.dat, priority-queue.dat and content.dat, composed into
// Push/Pull/Delete/Size/Close.
//
// All public operations acquire the config file's ByteBufferLock for their
// duration; there is no internal concurrency inside one operation. The
// underlying files are safe to map from multiple processes at once.
type Queue struct {
	dir string

	cfg     *config.ConfigFile
	journal *journal.RollbackJournal

	headersFile     *mmap.MappedFile
	freeHeadersFile *mmap.MappedFile
	heapFile        *mmap.MappedFile
	contentFile     *mmap.MappedFile

	headers     *arraylist.MappedArrayList[header]
	freeHeaders *arraylist.MappedArrayList[uint32]
	heap        *pqueue.MappedHeap[heapEntry]
	content     *blobstore.ByteArrayStorage
}

// Open opens the queue directory at dir, creating its files if the
// directory is empty, or verifying that an existing directory's stored
// parameters match p. Params cannot change across reopens of the same
// directory.
func Open(dir string, p config.Params) (*Queue, error) {
	canonical, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving queue directory %s: %v", qerrors.ErrIO, dir, err)
	}

	creationLock, err := creationLocker.Lock(filepath.Join(canonical, ".create.lock"))
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring creation lock for %s: %v", qerrors.ErrIO, canonical, err)
	}
	defer creationLock.Close()

	cfg, err := config.Create(filepath.Join(canonical, "config.dat"), p)
	if err != nil {
		return nil, err
	}

	q := &Queue{dir: canonical, cfg: cfg}

	if err := q.openDataFiles(canonical); err != nil {
		cfg.Close()
		return nil, err
	}

	guard, err := q.cfg.Lock.Lock()
	if err != nil {
		q.closeAll()
		return nil, err
	}
	if err := q.journal.Rollback(); err != nil {
		guard.Release()
		q.closeAll()
		return nil, err
	}
	if err := q.journal.Commit(); err != nil {
		guard.Release()
		q.closeAll()
		return nil, err
	}
	if err := guard.Release(); err != nil {
		q.closeAll()
		return nil, err
	}

	return q, nil
}

func (q *Queue) openDataFiles(dir string) error {
	j, err := journal.Open(filepath.Join(dir, "rollback.dat"))
	if err != nil {
		return err
	}
	q.journal = j

	headersFile, err := mmap.Open(filepath.Join(dir, "headers.dat"), 0)
	if err != nil {
		return err
	}
	q.headersFile = headersFile
	headersStore := journal.NewProtectedFile(j, fileIDHeaders, headersFile)

	freeHeadersFile, err := mmap.Open(filepath.Join(dir, "free-headers.dat"), 0)
	if err != nil {
		return err
	}
	q.freeHeadersFile = freeHeadersFile
	freeHeadersStore := journal.NewProtectedFile(j, fileIDFreeHeaders, freeHeadersFile)

	heapFile, err := mmap.Open(filepath.Join(dir, "priority-queue.dat"), 0)
	if err != nil {
		return err
	}
	q.heapFile = heapFile
	heapStore := journal.NewProtectedFile(j, fileIDPriorityHeap, heapFile)

	contentFile, err := mmap.Open(filepath.Join(dir, "content.dat"), 0)
	if err != nil {
		return err
	}
	q.contentFile = contentFile
	contentStore := journal.NewProtectedFile(j, fileIDContent, contentFile)

	headers, err := arraylist.Open[header](headersStore, headerAdapter{})
	if err != nil {
		return err
	}
	q.headers = headers

	freeHeaders, err := arraylist.Open[uint32](freeHeadersStore, u32Adapter{})
	if err != nil {
		return err
	}
	q.freeHeaders = freeHeaders

	heapList, err := arraylist.Open[heapEntry](heapStore, heapEntryAdapter{})
	if err != nil {
		return err
	}

	relocate := func(v heapEntry, newIndex int) {
		// Best-effort: the heap's own writes are already journaled; a
		// failure here surfaces through the next operation that reads a
		// stale heapIndex and fails its own invariant check.
		_ = q.setHeaderHeapIndex(v.Slot, uint32(newIndex))
	}
	q.heap = pqueue.New[heapEntry](heapList, compareHeapEntry, relocate)

	content, err := blobstore.Open(contentStore)
	if err != nil {
		return err
	}
	q.content = content

	return nil
}

func compareHeapEntry(a, b heapEntry) int {
	switch {
	case a.VisibleSince < b.VisibleSince:
		return -1
	case a.VisibleSince > b.VisibleSince:
		return 1
	default:
		return 0
	}
}

func (q *Queue) setHeaderHeapIndex(slot uint32, newIndex uint32) error {
	h, err := q.headers.Get(int(slot))
	if err != nil {
		return err
	}
	h.HeapIndex = newIndex
	return q.headers.Set(int(slot), h)
}

func (q *Queue) closeAll() {
	if q.headersFile != nil {
		q.headersFile.Close()
	}
	if q.freeHeadersFile != nil {
		q.freeHeadersFile.Close()
	}
	if q.heapFile != nil {
		q.heapFile.Close()
	}
	if q.contentFile != nil {
		q.contentFile.Close()
	}
	if q.journal != nil {
		q.journal.Close()
	}
	if q.cfg != nil {
		q.cfg.Close()
	}
}

// Close releases all of the queue's mapped files. It does not delete the
// directory or its contents.
func (q *Queue) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(q.headersFile.Close())
	record(q.freeHeadersFile.Close())
	record(q.heapFile.Close())
	record(q.contentFile.Close())
	record(q.journal.Close())
	record(q.cfg.Close())

	return firstErr
}
