package lightsync

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	"github.com/asdine/storm"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jrick/logrotate/rotator"
	"github.com/planetdecred/lightsync/chain"
	"github.com/planetdecred/lightsync/headerdb"
	"github.com/planetdecred/lightsync/headersync"
	bolt "go.etcd.io/bbolt"
)

const logFileName = "lightsync.log"

// Syncer keeps one header registry for a network in sync with any number of
// peers and persists it under its root directory.
type Syncer struct {
	dbDriver    string
	rootDir     string
	chainParams *chaincfg.Params

	checkpoint *chain.Header
	forkFn     headersync.ForkFunc

	configDB   *storm.DB
	headerDB   *headerdb.DB
	registry   *chain.Registry
	logRotator *rotator.Rotator

	*syncData

	shutdownOnce sync.Once
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithCheckpoint seeds the root store with a trusted header instead of the
// network genesis block or a checkpoint saved in the user config.
func WithCheckpoint(h *chain.Header) Option {
	return func(s *Syncer) {
		s.checkpoint = h
	}
}

// WithForkFunc replaces the policy used to create new forks.
func WithForkFunc(fn headersync.ForkFunc) Option {
	return func(s *Syncer) {
		s.forkFn = fn
	}
}

func NewSyncer(rootDir, dbDriver, netType string, opts ...Option) (*Syncer, error) {
	chainParams := parseChainParams(netType)
	if chainParams == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: %s", ErrUnsupportedNetwork, netType))
	}

	rootDir = filepath.Join(rootDir, netType)
	if err := os.MkdirAll(rootDir, os.ModePerm); err != nil {
		return nil, errors.E(errors.IO, err)
	}

	logRot, err := initLogRotator(filepath.Join(rootDir, logFileName))
	if err != nil {
		return nil, errors.Errorf("failed to init logRotator: %v", err.Error())
	}

	configDB, err := storm.Open(filepath.Join(rootDir, userConfigDbFilename))
	if err != nil {
		log.Errorf("Error opening config database: %s", err.Error())
		closeLogRotator(logRot)
		if err == bolt.ErrTimeout {
			// timeout error occurs if storm fails to acquire a lock on the database file
			return nil, errors.E(ErrDatabaseInUse)
		}
		return nil, errors.Errorf("error opening config database: %s", err.Error())
	}

	s := &Syncer{
		dbDriver:    dbDriver,
		rootDir:     rootDir,
		chainParams: chainParams,
		configDB:    configDB,
		logRotator:  logRot,
		syncData: &syncData{
			syncProgressListeners: make(map[string]SyncProgressListener),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	logLevel := s.ReadStringConfigValueForKey(LogLevelConfigKey)
	if logLevel == "" && isTestnet(chainParams) {
		logLevel = "debug"
	}
	if logLevel != "" {
		SetLogLevels(logLevel)
	}

	if s.checkpoint == nil {
		s.checkpoint = s.savedCheckpoint()
	}
	if s.checkpoint == nil {
		s.checkpoint = chain.NewHeader(&chainParams.GenesisBlock.Header, 0)
	}

	s.headerDB, err = headerdb.Initialize(filepath.Join(rootDir, headerdb.DbName), dbDriver)
	if err != nil {
		configDB.Close()
		closeLogRotator(logRot)
		return nil, err
	}

	s.registry, err = s.headerDB.LoadRegistry(chain.NewRootStore(s.checkpoint))
	if err != nil {
		s.closeDatabases()
		closeLogRotator(logRot)
		return nil, err
	}
	if err := s.headerDB.SaveStore(s.registry.Root()); err != nil {
		s.closeDatabases()
		closeLogRotator(logRot)
		return nil, err
	}

	best := s.registry.Best()
	log.Infof("Loaded %d header store(s) for %s, best tip %d", len(s.registry.Forks()), chainParams.Name, best.TipHeight())
	return s, nil
}

// Shutdown cancels any running sync and closes the databases.
func (s *Syncer) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.CancelSync()
		s.closeDatabases()

		log.Info("Shutting down log rotator")
		closeLogRotator(s.logRotator)
	})
}

func (s *Syncer) closeDatabases() {
	if s.headerDB != nil {
		if err := s.headerDB.Close(); err != nil {
			log.Errorf("header db closed with error: %v", err)
		}
	}
	if s.configDB != nil {
		if err := s.configDB.Close(); err != nil {
			log.Errorf("config db closed with error: %v", err)
		} else {
			log.Info("config db closed successfully")
		}
	}
}

// ChainParams returns the parameters of the network being synced.
func (s *Syncer) ChainParams() *chaincfg.Params {
	return s.chainParams
}

// Registry returns the header registry. Callers must not register or remove
// stores directly while a sync is running.
func (s *Syncer) Registry() *chain.Registry {
	return s.registry
}

// Forks describes every known header store.
func (s *Syncer) Forks() []*ForkInfo {
	best := s.registry.Best()
	stores := s.registry.Forks()
	forks := make([]*ForkInfo, 0, len(stores))
	for _, store := range stores {
		forks = append(forks, forkInfo(store, store == best))
	}
	return forks
}

// BestChain describes the store with the most cumulative work.
func (s *Syncer) BestChain() *ForkInfo {
	return forkInfo(s.registry.Best(), true)
}

func forkInfo(store *chain.HeaderStore, isBest bool) *ForkInfo {
	parent := int32(-1)
	if p := store.Parent(); p != nil {
		parent = p.Forkpoint()
	}
	tip := store.Tip()
	return &ForkInfo{
		Forkpoint: store.Forkpoint(),
		Parent:    parent,
		TipHeight: tip.Height,
		TipHash:   tip.Hash().String(),
		ChainWork: store.ChainWork().String(),
		IsBest:    isBest,
	}
}

// RemoveFork abandons the fork at forkpoint and every fork built on it.
func (s *Syncer) RemoveFork(forkpoint int32) error {
	const op errors.Op = "lightsync.RemoveFork"

	removed, err := s.registry.Remove(forkpoint)
	if err != nil {
		return errors.E(op, err)
	}
	for _, store := range removed {
		if err := s.headerDB.DeleteStore(store.Forkpoint()); err != nil {
			return errors.E(op, err)
		}
	}
	log.Infof("Removed %d fork(s) at and above height %d", len(removed), forkpoint)
	return nil
}
