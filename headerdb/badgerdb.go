package headerdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"github.com/decred/slog"
	"github.com/dgraph-io/badger"
	"github.com/planetdecred/lightsync/chain"
)

// Badger has a transaction size limit, so headers are written in batches.
const badgerWriteBatch = 1000

var (
	versionKey   = []byte("meta/version")
	forkPrefix   = []byte("fork/")
	headerPrefix = []byte("hdr/")
)

type badgerDB struct {
	db *badger.DB
}

// badgerLogger routes badger logging to the package logger.
type badgerLogger struct {
	slog.Logger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

func openBadgerDB(dbPath string) (*badgerDB, error) {
	db, err := openBadger(dbPath)
	if err != nil {
		return nil, err
	}

	var currentDbVersion uint32
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(versionKey)
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(v) == 4 {
			currentDbVersion = binary.BigEndian.Uint32(v)
		}
		return nil
	})
	if err != nil && err != badger.ErrKeyNotFound {
		db.Close()
		return nil, fmt.Errorf("error checking header database version: %s", err.Error())
	}

	if err == nil && currentDbVersion != HeaderDbVersion {
		log.Infof("Header database version %d is outdated, recreating", currentDbVersion)
		if err = db.Close(); err == nil {
			err = os.RemoveAll(dbPath)
		}
		if err != nil {
			return nil, fmt.Errorf("error deleting outdated header database: %s", err.Error())
		}
		if db, err = openBadger(dbPath); err != nil {
			return nil, err
		}
	}

	err = db.Update(func(txn *badger.Txn) error {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], HeaderDbVersion)
		return txn.Set(versionKey, v[:])
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing header db: %s", err.Error())
	}

	return &badgerDB{db: db}, nil
}

func openBadger(dbPath string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(badgerLogger{log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening header database: %s", err.Error())
	}
	return db, nil
}

func forkKey(forkpoint int32) []byte {
	k := make([]byte, len(forkPrefix)+4)
	copy(k, forkPrefix)
	binary.BigEndian.PutUint32(k[len(forkPrefix):], uint32(forkpoint))
	return k
}

func headerKeyPrefix(forkpoint int32) []byte {
	k := make([]byte, len(headerPrefix)+4, len(headerPrefix)+8)
	copy(k, headerPrefix)
	binary.BigEndian.PutUint32(k[len(headerPrefix):], uint32(forkpoint))
	return k
}

func headerKey(forkpoint, height int32) []byte {
	k := headerKeyPrefix(forkpoint)
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], uint32(height))
	return append(k, h[:]...)
}

func (b *badgerDB) forkRecords() ([]*ForkRecord, error) {
	var recs []*ForkRecord
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(forkPrefix); it.ValidForPrefix(forkPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec := new(ForkRecord)
			if err := json.Unmarshal(v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

func (b *badgerDB) saveForkRecord(rec *ForkRecord) error {
	v, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(forkKey(rec.Forkpoint), v)
	})
}

func (b *badgerDB) deleteForkRecord(forkpoint int32) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(forkKey(forkpoint))
	})
}

func (b *badgerDB) readHeaders(forkpoint, from int32) ([][]byte, error) {
	var raw [][]byte
	prefix := headerKeyPrefix(forkpoint)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(headerKey(forkpoint, from)); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, v)
		}
		return nil
	})
	return raw, err
}

func (b *badgerDB) writeHeaders(forkpoint int32, headers []*chain.Header) error {
	for len(headers) > 0 {
		n := len(headers)
		if n > badgerWriteBatch {
			n = badgerWriteBatch
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, h := range headers[:n] {
				if err := txn.Set(headerKey(forkpoint, h.Height), h.Bytes()); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		headers = headers[n:]
	}
	return nil
}

func (b *badgerDB) deleteHeaders(forkpoint, above int32) error {
	var keys [][]byte
	prefix := headerKeyPrefix(forkpoint)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(headerKey(forkpoint, above+1)); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for len(keys) > 0 {
		n := len(keys)
		if n > badgerWriteBatch {
			n = badgerWriteBatch
		}
		err := b.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys[:n] {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		keys = keys[n:]
	}
	return nil
}

func (b *badgerDB) close() error {
	return b.db.Close()
}
