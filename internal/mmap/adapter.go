package mmap

// StorageAdapter is a fixed-size (de)serializer contract for a record type
// T. Every record T encodes to exactly Size() bytes; Encode/Decode must be
// exact inverses so that serializing then deserializing any record is the
// identity.
//
// Null values are only supported if T's adapter encodes a null marker
// itself - the generic array-list and heap primitives have no notion of
// "no value" beyond what the adapter chooses to represent.
type StorageAdapter[T any] interface {
	// Size is the fixed number of bytes a record occupies on disk.
	Size() int

	// Encode writes v into buf, which is guaranteed to be exactly Size()
	// bytes long.
	Encode(v T, buf []byte)

	// Decode reconstructs a T from buf, which is exactly Size() bytes long.
	Decode(buf []byte) T
}

// Store is the random-access contract that [arraylist.MappedArrayList] and
// [pqueue.MappedHeap] are built on. [MappedFile] implements it directly;
// [journal.ProtectedFile] implements it by journaling every write before
// applying it to the underlying MappedFile.
type Store interface {
	Capacity() int64
	EnsureCapacity(n int64) error
	ReadBytes(offset int64, dst []byte) error
	WriteBytes(offset int64, src []byte) error
	GetU32(offset int64) (uint32, error)
	PutU32(offset int64, v uint32) error
	GetU64(offset int64) (uint64, error)
	PutU64(offset int64, v uint64) error
	Sync() error
	Close() error
}

var _ Store = (*MappedFile)(nil)

// Get decodes a T-sized record at offset using adapter.
func Get[T any](s Store, adapter StorageAdapter[T], offset int64) (T, error) {
	buf := make([]byte, adapter.Size())
	var zero T
	if err := s.ReadBytes(offset, buf); err != nil {
		return zero, err
	}
	return adapter.Decode(buf), nil
}

// Put encodes v and writes it at offset using adapter.
func Put[T any](s Store, adapter StorageAdapter[T], offset int64, v T) error {
	buf := make([]byte, adapter.Size())
	adapter.Encode(v, buf)
	return s.WriteBytes(offset, buf)
}
