package journal

import "github.com/sharedmq/sharedmq/internal/mmap"

// ProtectedFile wraps a [mmap.MappedFile] so that every write first reads
// the bytes it is about to overwrite and appends them to a
// [RollbackJournal] as an undo record, before performing the write. Reads
// pass straight through - only writes are journaled.
//
// ProtectedFile implements [mmap.Store], so every primitive built on that
// interface (MappedArrayList, MappedHeap) gets crash atomicity for free by
// being constructed over a ProtectedFile instead of a raw MappedFile.
type ProtectedFile struct {
	journal *RollbackJournal
	fileID  uint32
	file    *mmap.MappedFile
}

// NewProtectedFile returns a ProtectedFile over file, tagging every undo
// record it writes with fileID and registering file with journal so
// Rollback can restore into it.
func NewProtectedFile(journal *RollbackJournal, fileID uint32, file *mmap.MappedFile) *ProtectedFile {
	journal.Register(fileID, file)
	return &ProtectedFile{journal: journal, fileID: fileID, file: file}
}

var _ mmap.Store = (*ProtectedFile)(nil)

// Capacity passes through to the underlying file.
func (p *ProtectedFile) Capacity() int64 { return p.file.Capacity() }

// EnsureCapacity grows the underlying file without journaling: growth
// simply extends the mapping with zero bytes, and a MappedFile never
// shrinks, so there's nothing a rollback would need to undo about the
// growth itself (only about the write that follows it).
func (p *ProtectedFile) EnsureCapacity(n int64) error { return p.file.EnsureCapacity(n) }

// ReadBytes passes through to the underlying file; reads are not journaled.
func (p *ProtectedFile) ReadBytes(offset int64, dst []byte) error {
	return p.file.ReadBytes(offset, dst)
}

// protect captures the bytes currently at [offset, offset+length) as an
// undo record before a write of that length is allowed to proceed.
func (p *ProtectedFile) protect(offset int64, length int) error {
	if err := p.file.EnsureCapacity(offset + int64(length)); err != nil {
		return err
	}
	prior := make([]byte, length)
	if err := p.file.ReadBytes(offset, prior); err != nil {
		return err
	}
	return p.journal.Append(p.fileID, offset, prior)
}

// WriteBytes journals the bytes currently at the target range, then writes
// src over them.
func (p *ProtectedFile) WriteBytes(offset int64, src []byte) error {
	if err := p.protect(offset, len(src)); err != nil {
		return err
	}
	return p.file.WriteBytes(offset, src)
}

// GetU32 passes through to the underlying file.
func (p *ProtectedFile) GetU32(offset int64) (uint32, error) { return p.file.GetU32(offset) }

// PutU32 journals the 4 bytes at offset, then writes v.
func (p *ProtectedFile) PutU32(offset int64, v uint32) error {
	if err := p.protect(offset, 4); err != nil {
		return err
	}
	return p.file.PutU32(offset, v)
}

// GetU64 passes through to the underlying file.
func (p *ProtectedFile) GetU64(offset int64) (uint64, error) { return p.file.GetU64(offset) }

// PutU64 journals the 8 bytes at offset, then writes v.
func (p *ProtectedFile) PutU64(offset int64, v uint64) error {
	if err := p.protect(offset, 8); err != nil {
		return err
	}
	return p.file.PutU64(offset, v)
}

// Sync passes through to the underlying file.
func (p *ProtectedFile) Sync() error { return p.file.Sync() }

// Close passes through to the underlying file. The journal itself is
// closed separately by its owner.
func (p *ProtectedFile) Close() error { return p.file.Close() }
