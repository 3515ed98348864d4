package profiler

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
)

// SymbolStore persists block registrations keyed by host entry address, so
// offline tooling can resolve a crash address to a guest block after the
// process is gone. Plain key-value, LevelDB handles its own locking.
type SymbolStore struct {
	db *leveldb.DB
}

// NewSymbolStore opens or creates a LevelDB database at path. An empty
// path uses in-memory storage.
func NewSymbolStore(path string) (*SymbolStore, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		memStorage := leveldbstorage.NewMemStorage()
		db, err = leveldb.Open(memStorage, nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open symbol store at %s: %w", path, err)
	}

	return &SymbolStore{db: db}, nil
}

// NewMemorySymbolStore creates an in-memory SymbolStore for testing.
func NewMemorySymbolStore() (*SymbolStore, error) {
	return NewSymbolStore("")
}

func symbolKey(entry uintptr) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(entry))
	return key
}

func (s *SymbolStore) Put(entry uintptr, size uint32, label string) error {
	value := make([]byte, 4+len(label))
	binary.LittleEndian.PutUint32(value, size)
	copy(value[4:], label)
	return s.db.Put(symbolKey(entry), value, nil)
}

// Lookup returns the registration for entry. Returns ok=false when the
// address was never registered.
func (s *SymbolStore) Lookup(entry uintptr) (label string, size uint32, ok bool, err error) {
	value, err := s.db.Get(symbolKey(entry), nil)
	if err == leveldb.ErrNotFound {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("lookup %x: %w", entry, err)
	}
	if len(value) < 4 {
		return "", 0, false, fmt.Errorf("lookup %x: truncated record", entry)
	}
	return string(value[4:]), binary.LittleEndian.Uint32(value), true, nil
}

func (s *SymbolStore) Close() error {
	return s.db.Close()
}
