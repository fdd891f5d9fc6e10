package headerdb

import (
	"fmt"
	"os"

	"github.com/asdine/storm"
	"github.com/asdine/storm/q"
	"github.com/planetdecred/lightsync/chain"
	bolt "go.etcd.io/bbolt"
)

// StoredHeader is a single raw header of a fork.
type StoredHeader struct {
	ID        string `storm:"id"`
	Forkpoint int32  `storm:"index"`
	Height    int32  `storm:"index"`
	Raw       []byte
}

type stormDB struct {
	db *storm.DB
}

func openStormDB(dbPath string) (*stormDB, error) {
	db, err := openOrCreateDB(dbPath)
	if err != nil {
		return nil, err
	}

	db, err = ensureDatabaseVersion(db, dbPath)
	if err != nil {
		return nil, err
	}

	if err = db.Init(&ForkRecord{}); err != nil {
		return nil, fmt.Errorf("error initializing fork bucket: %s", err.Error())
	}
	if err = db.Init(&StoredHeader{}); err != nil {
		return nil, fmt.Errorf("error initializing header bucket: %s", err.Error())
	}

	return &stormDB{db: db}, nil
}

func openOrCreateDB(dbPath string) (*storm.DB, error) {
	var isNewDbFile bool

	// first check if db file exists at dbPath, if not we'll need to create it and set the db version
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			isNewDbFile = true
		} else {
			return nil, fmt.Errorf("error checking header database file: %s", err.Error())
		}
	}

	db, err := storm.Open(dbPath)
	if err != nil {
		switch err {
		case bolt.ErrTimeout:
			// timeout error occurs if storm fails to acquire a lock on the database file
			return nil, fmt.Errorf("header database is in use by another process")
		default:
			return nil, fmt.Errorf("error opening header database: %s", err.Error())
		}
	}

	if isNewDbFile {
		err = db.Set(MetaBucketName, KeyDbVersion, HeaderDbVersion)
		if err != nil {
			db.Close()
			os.RemoveAll(dbPath)
			return nil, fmt.Errorf("error initializing header db: %s", err.Error())
		}
	}

	return db, nil
}

// ensureDatabaseVersion checks the version of the existing db against `HeaderDbVersion`.
// If there's a difference, the current header db file is deleted and a new one created.
func ensureDatabaseVersion(db *storm.DB, dbPath string) (*storm.DB, error) {
	var currentDbVersion uint32
	err := db.Get(MetaBucketName, KeyDbVersion, &currentDbVersion)
	if err != nil && err != storm.ErrNotFound {
		return nil, fmt.Errorf("error checking header database version: %s", err.Error())
	}

	if currentDbVersion != HeaderDbVersion {
		log.Infof("Header database version %d is outdated, recreating", currentDbVersion)
		if err = db.Close(); err == nil {
			err = os.RemoveAll(dbPath)
		}
		if err != nil {
			return nil, fmt.Errorf("error deleting outdated header database: %s", err.Error())
		}
		return openOrCreateDB(dbPath)
	}

	return db, nil
}

func (s *stormDB) forkRecords() ([]*ForkRecord, error) {
	var recs []*ForkRecord
	err := s.db.All(&recs)
	if err != nil && err != storm.ErrNotFound {
		return nil, err
	}
	return recs, nil
}

func (s *stormDB) saveForkRecord(rec *ForkRecord) error {
	if rec.ID == 0 {
		return s.db.Save(rec)
	}
	return s.db.Update(rec)
}

func (s *stormDB) deleteForkRecord(forkpoint int32) error {
	var rec ForkRecord
	err := s.db.One("Forkpoint", forkpoint, &rec)
	if err == storm.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return s.db.DeleteStruct(&rec)
}

func (s *stormDB) readHeaders(forkpoint, from int32) ([][]byte, error) {
	var stored []*StoredHeader
	err := s.db.Select(q.Eq("Forkpoint", forkpoint), q.Gte("Height", from)).OrderBy("Height").Find(&stored)
	if err == storm.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	raw := make([][]byte, 0, len(stored))
	for _, h := range stored {
		raw = append(raw, h.Raw)
	}
	return raw, nil
}

func (s *stormDB) writeHeaders(forkpoint int32, headers []*chain.Header) error {
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, h := range headers {
		err := tx.Save(&StoredHeader{
			ID:        fmt.Sprintf("%d/%d", forkpoint, h.Height),
			Forkpoint: forkpoint,
			Height:    h.Height,
			Raw:       h.Bytes(),
		})
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *stormDB) deleteHeaders(forkpoint, above int32) error {
	err := s.db.Select(q.Eq("Forkpoint", forkpoint), q.Gt("Height", above)).Delete(&StoredHeader{})
	if err == storm.ErrNotFound {
		return nil
	}
	return err
}

func (s *stormDB) close() error {
	return s.db.Close()
}
