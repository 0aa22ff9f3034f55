package transcript

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ashureev/mds-moderator/internal/domain"
)

// KVWriter stores entries in a BadgerDB under <session id>/<index>.
type KVWriter struct {
	db     *badger.DB
	prefix string
	owned  bool
}

// OpenBadger opens a BadgerDB for transcripts. An empty dir opens an
// in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewKVWriter creates a writer over db. If owned is true, Close closes db.
func NewKVWriter(db *badger.DB, sc domain.SessionContext, owned bool) *KVWriter {
	return &KVWriter{db: db, prefix: sc.ID + "/", owned: owned}
}

// Key returns the key of the entry at index.
func (w *KVWriter) Key(index int) []byte {
	return []byte(w.prefix + entryKey(index))
}

// WriteEntry stores one entry in its own transaction.
func (w *KVWriter) WriteEntry(ctx context.Context, entry domain.TurnEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Set(w.Key(entry.Index), data)
	}); err != nil {
		return fmt.Errorf("set %s: %w", w.Key(entry.Index), err)
	}
	return nil
}

// Entries reads back the stored records of the session in index order.
func (w *KVWriter) Entries() ([]map[string]string, error) {
	var out []map[string]string
	err := w.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(w.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec map[string]string
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	return out, nil
}

// Close closes the database when the writer owns it.
func (w *KVWriter) Close() error {
	if !w.owned {
		return nil
	}
	return w.db.Close()
}

var _ EntryWriter = (*KVWriter)(nil)
