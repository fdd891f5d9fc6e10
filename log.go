package lightsync

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/planetdecred/lightsync/chain"
	"github.com/planetdecred/lightsync/headerdb"
	"github.com/planetdecred/lightsync/headersync"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	logRotatorMtx.RLock()
	if logRotator != nil {
		logRotator.Write(p)
	}
	logRotatorMtx.RUnlock()
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsytem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem loggers.
	// The backend must not be used before the log rotator has been initialized,
	// or data races and/or nil pointer dereferences will occur.
	backendLog = slog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator    *rotator.Rotator
	logRotatorMtx sync.RWMutex

	log      = backendLog.Logger("LSYN")
	chainLog = backendLog.Logger("CHAN")
	syncLog  = backendLog.Logger("HSYN")
	hdbLog   = backendLog.Logger("HDDB")
)

// Initialize package-global logger variables.
func init() {
	chain.UseLogger(chainLog)
	headersync.UseLogger(syncLog)
	headerdb.UseLogger(hdbLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"LSYN": log,
	"CHAN": chainLog,
	"HSYN": syncLog,
	"HDDB": hdbLog,
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.  A rotator opened by an
// earlier call is closed; logs go to the most recently opened file.
func initLogRotator(logFile string) (*rotator.Rotator, error) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to create file rotator: %v", err)
	}

	logRotatorMtx.Lock()
	prev := logRotator
	logRotator = r
	logRotatorMtx.Unlock()

	if prev != nil {
		prev.Close()
	}
	return r, nil
}

// closeLogRotator closes r if it is still the active log rotator.  A rotator
// already replaced by a later initLogRotator call was closed then.
func closeLogRotator(r *rotator.Rotator) {
	logRotatorMtx.Lock()
	if r == nil || logRotator != r {
		logRotatorMtx.Unlock()
		return
	}
	logRotator = nil
	logRotatorMtx.Unlock()

	r.Close()
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func SetLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
