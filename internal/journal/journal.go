// Package journal implements the write-ahead undo log shared by every
// mutable file in a queue directory, and [ProtectedFile], the wrapper that
// makes ordinary [mmap.MappedFile] writes participate in it.
//
// This is an undo journal, not a redo journal: readers never need
// durability, only crash atomicity across the several files one queue
// operation touches. Every journaled write first captures the bytes it is
// about to overwrite; on the next lock acquisition, Rollback replays those
// captures in reverse order before any new mutation is allowed to proceed.
package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Marker is the little-endian magic at offset 0 of rollback.dat.
const Marker = uint32(0x52424A4E)

const (
	offMarker      = 0
	offJournalSize = 4
	headerSize     = 8

	recordTrailerSize = 12 // fileId:u32, offset:u32, length:u32
)

// RollbackJournal is the undo log of (fileId, offset, length, priorBytes)
// records accumulated since the last commit. Target files are registered
// by fileId so Rollback can restore bytes directly into them.
type RollbackJournal struct {
	file    *mmap.MappedFile
	targets map[uint32]*mmap.MappedFile
}

// Open opens or creates the journal file at path, writing the marker and a
// zero journalSize if the file is new.
func Open(path string) (*RollbackJournal, error) {
	file, err := mmap.Open(path, headerSize)
	if err != nil {
		return nil, err
	}

	marker, err := file.GetU32(offMarker)
	if err != nil {
		file.Close()
		return nil, err
	}

	if marker == 0 {
		// Freshly created (zero-filled) file: stamp the header.
		if err := file.PutU32(offMarker, Marker); err != nil {
			file.Close()
			return nil, err
		}
		if err := file.PutU32(offJournalSize, 0); err != nil {
			file.Close()
			return nil, err
		}
	} else if marker != Marker {
		file.Close()
		return nil, fmt.Errorf("%w: rollback journal %s: bad marker %#x", qerrors.ErrFormat, path, marker)
	}

	return &RollbackJournal{file: file, targets: make(map[uint32]*mmap.MappedFile)}, nil
}

// Register associates fileID with the MappedFile that undo records tagged
// with that id should be restored into. Must be called for every target
// file before Rollback can act on writes tagged with its id.
func (j *RollbackJournal) Register(fileID uint32, target *mmap.MappedFile) {
	j.targets[fileID] = target
}

// Size returns the current journalSize (byte length of the undo log region,
// excluding the fixed 8-byte header).
func (j *RollbackJournal) Size() (uint32, error) {
	return j.file.GetU32(offJournalSize)
}

// Append records an undo entry: priorBytes is the content that used to live
// at [offset, offset+len(priorBytes)) in the file identified by fileID,
// before the caller's about-to-happen write. Append must run before the
// write it protects is applied.
func (j *RollbackJournal) Append(fileID uint32, offset int64, priorBytes []byte) error {
	size, err := j.Size()
	if err != nil {
		return err
	}

	recordLen := len(priorBytes) + recordTrailerSize
	writeAt := int64(headerSize) + int64(size)

	if err := j.file.WriteBytes(writeAt, priorBytes); err != nil {
		return err
	}

	trailer := make([]byte, recordTrailerSize)
	binary.LittleEndian.PutUint32(trailer[0:4], fileID)
	binary.LittleEndian.PutUint32(trailer[4:8], uint32(offset))
	binary.LittleEndian.PutUint32(trailer[8:12], uint32(len(priorBytes)))
	if err := j.file.WriteBytes(writeAt+int64(len(priorBytes)), trailer); err != nil {
		return err
	}

	newSize := size + uint32(recordLen)
	return j.file.PutU32(offJournalSize, newSize)
}

// Commit discards the accumulated undo log: the mutation it protected is
// now fully applied and durable against rollback.
func (j *RollbackJournal) Commit() error {
	return j.file.PutU32(offJournalSize, 0)
}

// Rollback replays undo records in reverse insertion order, restoring each
// one's prior bytes into its target file, then zeroes journalSize. It is
// always safe to call, including when journalSize is already 0.
func (j *RollbackJournal) Rollback() error {
	for {
		size, err := j.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		end := int64(headerSize) + int64(size)
		trailer := make([]byte, recordTrailerSize)
		if err := j.file.ReadBytes(end-recordTrailerSize, trailer); err != nil {
			return err
		}

		fileID := binary.LittleEndian.Uint32(trailer[0:4])
		offset := int64(binary.LittleEndian.Uint32(trailer[4:8]))
		length := binary.LittleEndian.Uint32(trailer[8:12])

		recordStart := end - recordTrailerSize - int64(length)
		priorBytes := make([]byte, length)
		if err := j.file.ReadBytes(recordStart, priorBytes); err != nil {
			return err
		}

		target, ok := j.targets[fileID]
		if !ok {
			return fmt.Errorf("%w: rollback journal references unregistered file id %d", qerrors.ErrInvariant, fileID)
		}

		if err := target.EnsureCapacity(offset + int64(length)); err != nil {
			return err
		}
		if err := target.WriteBytes(offset, priorBytes); err != nil {
			return err
		}

		newSize := size - uint32(length) - recordTrailerSize
		if err := j.file.PutU32(offJournalSize, newSize); err != nil {
			return err
		}
	}
}

// Close closes the underlying journal file. Registered target files are
// owned by the caller and are not closed here.
func (j *RollbackJournal) Close() error {
	return j.file.Close()
}
