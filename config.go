package lightsync

import (
	"github.com/asdine/storm"
	"github.com/planetdecred/lightsync/chain"
)

const (
	userConfigDbFilename = "config.db"
	userConfigBucketName = "user_config"

	LogLevelConfigKey = "log_level"

	HeaderChunkSizeConfigKey  = "header_chunk_size"
	CheckpointHeaderConfigKey = "checkpoint_header"
	CheckpointHeightConfigKey = "checkpoint_height"
)

// SaveUserConfigValue saves config value name for key.
func (s *Syncer) SaveUserConfigValue(key string, value interface{}) {
	err := s.configDB.Set(userConfigBucketName, key, value)
	if err != nil {
		log.Errorf("error setting config value for key: %s, error: %v", key, err)
	}
}

// ReadUserConfigValue retrieves the raw value for config key.
func (s *Syncer) ReadUserConfigValue(key string, valueOut interface{}) error {
	err := s.configDB.Get(userConfigBucketName, key, valueOut)
	if err != nil && err != storm.ErrNotFound {
		log.Errorf("error reading config value for key: %s, error: %v", key, err)
	}
	return err
}

// DeleteUserConfigValueForKey deletes a key from the bucket.
func (s *Syncer) DeleteUserConfigValueForKey(key string) {
	err := s.configDB.Delete(userConfigBucketName, key)
	if err != nil {
		log.Errorf("error deleting config value for key: %s, error: %v", key, err)
	}
}

// SetInt32ConfigValueForKey sets an int32 config value for key.
func (s *Syncer) SetInt32ConfigValueForKey(key string, value int32) {
	s.SaveUserConfigValue(key, value)
}

// SetStringConfigValueForKey sets a string config value for key.
func (s *Syncer) SetStringConfigValueForKey(key, value string) {
	s.SaveUserConfigValue(key, value)
}

// ReadInt32ConfigValueForKey reads the int32 config value for key.
func (s *Syncer) ReadInt32ConfigValueForKey(key string, defaultValue int32) (valueOut int32) {
	if err := s.ReadUserConfigValue(key, &valueOut); err == storm.ErrNotFound {
		valueOut = defaultValue
	}
	return
}

// ReadStringConfigValueForKey reads the string config value for key.
func (s *Syncer) ReadStringConfigValueForKey(key string) (valueOut string) {
	s.ReadUserConfigValue(key, &valueOut)
	return
}

// SetLogLevel changes the level of every subsystem logger and remembers it
// for the next start.
func (s *Syncer) SetLogLevel(logLevel string) {
	s.SetStringConfigValueForKey(LogLevelConfigKey, logLevel)
	SetLogLevels(logLevel)
}

// SetCheckpoint saves a trusted header to seed the root store with on the
// next start. Stored headers below a different checkpoint are discarded then.
func (s *Syncer) SetCheckpoint(h *chain.Header) {
	s.SaveUserConfigValue(CheckpointHeaderConfigKey, h.Bytes())
	s.SetInt32ConfigValueForKey(CheckpointHeightConfigKey, h.Height)
}

// ClearCheckpoint forgets a checkpoint saved with SetCheckpoint. The network
// genesis block seeds the root store on the next start.
func (s *Syncer) ClearCheckpoint() {
	s.DeleteUserConfigValueForKey(CheckpointHeaderConfigKey)
	s.DeleteUserConfigValueForKey(CheckpointHeightConfigKey)
}

// savedCheckpoint returns the checkpoint saved with SetCheckpoint, if any.
func (s *Syncer) savedCheckpoint() *chain.Header {
	var raw []byte
	if err := s.ReadUserConfigValue(CheckpointHeaderConfigKey, &raw); err != nil || len(raw) == 0 {
		return nil
	}
	height := s.ReadInt32ConfigValueForKey(CheckpointHeightConfigKey, -1)
	if height < 0 {
		return nil
	}
	h, err := chain.ParseHeader(raw, height)
	if err != nil {
		log.Errorf("Ignoring saved checkpoint: %v", err)
		return nil
	}
	return h
}
