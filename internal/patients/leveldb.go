package patients

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// keyPrefix namespaces directory keys. Ids are big-endian so iteration
// order equals numeric order.
var keyPrefix = []byte("patient_")

// LevelDB persists the directory in an embedded LevelDB database.
type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// Close closes the database.
func (l *LevelDB) Close() error { return l.db.Close() }

func patientKey(id uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], id)
	return k
}

// Bind implements Directory.
func (l *LevelDB) Bind(_ context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal patient %d: %w", e.PatientID, err)
	}
	if err := l.db.Put(patientKey(e.PatientID), data, nil); err != nil {
		return fmt.Errorf("bind patient %d: %w", e.PatientID, err)
	}
	return nil
}

// Lookup implements Directory.
func (l *LevelDB) Lookup(_ context.Context, patientID uint64) (*Entry, error) {
	data, err := l.db.Get(patientKey(patientID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup patient %d: %w", patientID, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode patient %d: %w", patientID, err)
	}
	return &e, nil
}

// List implements Directory.
func (l *LevelDB) List(_ context.Context) ([]Entry, error) {
	iter := l.db.NewIterator(util.BytesPrefix(keyPrefix), nil)
	defer iter.Release()

	var out []Entry
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode patient entry: %w", err)
		}
		out = append(out, e)
	}
	return out, iter.Error()
}
