package headerdb

import (
	"fmt"
	"sort"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	"github.com/planetdecred/lightsync/chain"
)

const (
	DriverBolt   = "bdb"
	DriverBadger = "badger"

	DbName = "headers.db"

	MetaBucketName = "HeaderDbInfo"
	KeyDbVersion   = "DbVersion"

	// HeaderDbVersion must be incremented whenever the layout of stored
	// data changes. Databases with a different version are deleted and
	// headers are synced again.
	HeaderDbVersion uint32 = 1

	// rootParent is the parent fork point recorded for the root store.
	rootParent int32 = -1
)

// ForkRecord describes a persisted HeaderStore.
type ForkRecord struct {
	ID        int   `storm:"id,increment"`
	Forkpoint int32 `storm:"unique"`
	Parent    int32
	TipHeight int32
	TipHash   string
}

// backend is implemented by each storage driver.
type backend interface {
	forkRecords() ([]*ForkRecord, error)
	saveForkRecord(rec *ForkRecord) error
	deleteForkRecord(forkpoint int32) error

	// readHeaders returns the raw headers of a fork from height from
	// onwards in ascending height order.
	readHeaders(forkpoint, from int32) ([][]byte, error)
	writeHeaders(forkpoint int32, headers []*chain.Header) error
	// deleteHeaders removes the headers of a fork above height.
	deleteHeaders(forkpoint, above int32) error

	close() error
}

// DB persists the stores of a chain.Registry.
type DB struct {
	mtx     sync.Mutex
	driver  string
	backend backend
}

// Initialize opens the header database at dbPath using driver, creating it
// if needed. A database written with a different HeaderDbVersion is deleted
// and recreated.
func Initialize(dbPath, driver string) (*DB, error) {
	const op errors.Op = "headerdb.Initialize"

	var b backend
	var err error
	switch driver {
	case "", DriverBolt:
		driver = DriverBolt
		b, err = openStormDB(dbPath)
	case DriverBadger:
		b, err = openBadgerDB(dbPath)
	default:
		return nil, errors.E(op, errors.Invalid, fmt.Sprintf("unsupported header db driver %q", driver))
	}
	if err != nil {
		return nil, errors.E(op, err)
	}

	log.Infof("Opened %s header database at %s", driver, dbPath)
	return &DB{driver: driver, backend: b}, nil
}

// Driver returns the name of the storage driver in use.
func (db *DB) Driver() string {
	return db.driver
}

// Close closes the database.
func (db *DB) Close() error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.backend.close()
}

// SaveStore writes s to the database. Only headers added since the last save
// are written unless the store was truncated and rebuilt in between.
func (db *DB) SaveStore(s *chain.HeaderStore) error {
	const op errors.Op = "headerdb.SaveStore"

	db.mtx.Lock()
	defer db.mtx.Unlock()

	parent := rootParent
	if p := s.Parent(); p != nil {
		parent = p.Forkpoint()
	}
	forkpoint := s.Forkpoint()
	tip := s.Tip()

	rec, err := db.record(forkpoint)
	if err != nil {
		return errors.E(op, err)
	}

	from := forkpoint
	if rec != nil && rec.Parent == parent {
		if stored, ok := s.Get(rec.TipHeight); ok && rec.TipHeight <= tip.Height && stored.Hash().String() == rec.TipHash {
			from = rec.TipHeight + 1
		}
	}
	if rec == nil {
		rec = &ForkRecord{Forkpoint: forkpoint}
	}
	if from == forkpoint {
		if err := db.backend.deleteHeaders(forkpoint, forkpoint-1); err != nil {
			return errors.E(op, errors.IO, err)
		}
	}

	if headers := s.Headers(from); len(headers) > 0 {
		if err := db.backend.writeHeaders(forkpoint, headers); err != nil {
			return errors.E(op, errors.IO, err)
		}
	}

	rec.Parent = parent
	rec.TipHeight = tip.Height
	rec.TipHash = tip.Hash().String()
	if err := db.backend.saveForkRecord(rec); err != nil {
		return errors.E(op, errors.IO, err)
	}
	log.Tracef("Saved store at %d up to height %d", forkpoint, tip.Height)
	return nil
}

// DeleteStore removes the store at forkpoint and its headers.
func (db *DB) DeleteStore(forkpoint int32) error {
	const op errors.Op = "headerdb.DeleteStore"

	db.mtx.Lock()
	defer db.mtx.Unlock()

	if err := db.backend.deleteHeaders(forkpoint, forkpoint-1); err != nil {
		return errors.E(op, errors.IO, err)
	}
	if err := db.backend.deleteForkRecord(forkpoint); err != nil {
		return errors.E(op, errors.IO, err)
	}
	return nil
}

// Forks returns the persisted fork records ordered by fork point.
func (db *DB) Forks() ([]*ForkRecord, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	return db.sortedRecords()
}

// LoadRegistry rebuilds a registry on top of root, which must be a freshly
// seeded root store. Persisted data that does not start at the same
// checkpoint is discarded. Stored headers that no longer connect end the
// store they belong to.
func (db *DB) LoadRegistry(root *chain.HeaderStore) (*chain.Registry, error) {
	const op errors.Op = "headerdb.LoadRegistry"

	db.mtx.Lock()
	defer db.mtx.Unlock()

	registry := chain.NewRegistry(root)
	recs, err := db.sortedRecords()
	if err != nil {
		return nil, errors.E(op, err)
	}
	if len(recs) == 0 {
		return registry, nil
	}

	checkpoint := root.Tip()
	if first := recs[0]; first.Forkpoint != root.Forkpoint() || first.Parent != rootParent {
		log.Warnf("Stored headers do not start at checkpoint %v, discarding", checkpoint)
		return registry, db.resetLocked(recs)
	}
	raw, err := db.backend.readHeaders(root.Forkpoint(), root.Forkpoint())
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if len(raw) == 0 {
		return registry, db.resetLocked(recs)
	}
	if stored, err := chain.ParseHeader(raw[0], root.Forkpoint()); err != nil || stored.Hash() != checkpoint.Hash() {
		log.Warnf("Stored checkpoint differs from %v, discarding stored headers", checkpoint)
		return registry, db.resetLocked(recs)
	}
	if err := db.loadHeaders(root, raw[1:], root.Forkpoint()+1); err != nil {
		return nil, errors.E(op, err)
	}

	for _, rec := range recs[1:] {
		parent, ok := registry.Get(rec.Parent)
		if !ok {
			log.Warnf("Parent %d of stored fork %d is missing, skipping", rec.Parent, rec.Forkpoint)
			continue
		}
		raw, err := db.backend.readHeaders(rec.Forkpoint, rec.Forkpoint)
		if err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
		if len(raw) == 0 {
			continue
		}
		first, err := chain.ParseHeader(raw[0], rec.Forkpoint)
		if err != nil {
			return nil, errors.E(op, err)
		}
		fork, err := chain.NewForkStore(parent, first)
		if err != nil {
			log.Warnf("Stored fork %d no longer attaches to its parent: %v", rec.Forkpoint, err)
			continue
		}
		if err := registry.Register(fork); err != nil {
			return nil, errors.E(op, err)
		}
		if err := db.loadHeaders(fork, raw[1:], rec.Forkpoint+1); err != nil {
			return nil, errors.E(op, err)
		}
	}

	log.Infof("Loaded %d header store(s), best tip %d", len(registry.Forks()), registry.Best().TipHeight())
	return registry, nil
}

func (db *DB) loadHeaders(s *chain.HeaderStore, raw [][]byte, height int32) error {
	for _, b := range raw {
		h, err := chain.ParseHeader(b, height)
		if err != nil {
			return err
		}
		if err := s.Append(h); err != nil {
			log.Warnf("Stored header %v does not extend %v: %v", h, s, err)
			return nil
		}
		height++
	}
	return nil
}

func (db *DB) record(forkpoint int32) (*ForkRecord, error) {
	recs, err := db.backend.forkRecords()
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	for _, rec := range recs {
		if rec.Forkpoint == forkpoint {
			return rec, nil
		}
	}
	return nil, nil
}

func (db *DB) sortedRecords() ([]*ForkRecord, error) {
	recs, err := db.backend.forkRecords()
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Forkpoint < recs[j].Forkpoint
	})
	return recs, nil
}

func (db *DB) resetLocked(recs []*ForkRecord) error {
	for _, rec := range recs {
		if err := db.backend.deleteHeaders(rec.Forkpoint, rec.Forkpoint-1); err != nil {
			return errors.E(errors.IO, err)
		}
		if err := db.backend.deleteForkRecord(rec.Forkpoint); err != nil {
			return errors.E(errors.IO, err)
		}
	}
	return nil
}
