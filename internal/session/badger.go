package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	keyMain   = "main"
	prefixCDN = "cdn/"
)

// BadgerStore is a durable Store backed by badger. Each Put is a single
// badger transaction, so a crash never leaves a half-written descriptor.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// OpenBadger opens (or creates) a store in dir. An empty dir keeps
// everything in memory, which tests use.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 16 * 1024 * 1024

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStoreUnavailable, dir, err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

// Close flushes and closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func cdnKey(dcID int) []byte {
	return []byte(prefixCDN + strconv.Itoa(dcID))
}

func (b *BadgerStore) load(key []byte) (Session, bool, error) {
	var s Session
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("%w: read %s: %v", ErrStoreUnavailable, key, err)
	}
	return s, true, nil
}

func (b *BadgerStore) Get() (Session, error) {
	s, ok, err := b.load([]byte(keyMain))
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNoSession
	}
	return s, nil
}

func (b *BadgerStore) CDN(dcID int) (Session, bool) {
	s, ok, err := b.load(cdnKey(dcID))
	if err != nil || !ok || s.Expired(b.now()) {
		return Session{}, false
	}
	return s, true
}

func (b *BadgerStore) Put(s Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := []byte(keyMain)
	if s.Kind == KindCDN {
		key = cdnKey(s.DCID)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStoreUnavailable, key, err)
	}
	return nil
}

func (b *BadgerStore) Delete(kind Kind, dcID int) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if kind == KindCDN {
			return txn.Delete(cdnKey(dcID))
		}
		item, err := txn.Get([]byte(keyMain))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var s Session
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) }); err != nil {
			return err
		}
		if s.DCID != dcID {
			return nil
		}
		return txn.Delete([]byte(keyMain))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s/%d: %v", ErrStoreUnavailable, kind, dcID, err)
	}
	return nil
}

func (b *BadgerStore) CleanupExpired(now time.Time) int {
	var expired [][]byte
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCDN)
		it := txn.NewIterator(opts)

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var s Session
			err := item.Value(func(val []byte) error { return json.Unmarshal(val, &s) })
			if err != nil || s.Expired(now) {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		it.Close()

		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return len(expired)
}
