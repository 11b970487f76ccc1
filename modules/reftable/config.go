package reftable

import "github.com/BurntSushi/toml"

// Config holds the tunables §6 enumerates. Zero-value Config is not ready
// to use; call NewConfig to get the documented defaults, then override
// individual fields.
type Config struct {
	// RefBlockSize bounds a ref/object block in bytes. Index blocks
	// may grow past this, up to the 24-bit cap.
	RefBlockSize int
	// LogBlockSize bounds a log block before DEFLATE compression.
	LogBlockSize int
	// RestartInterval is the number of entries between restart points.
	RestartInterval int
	// MaxIndexLevels bounds index depth; 0 means unlimited.
	MaxIndexLevels int
	// AlignBlocks pads ref blocks to RefBlockSize boundaries.
	AlignBlocks bool
	// IndexObjects enables the object-ID -> ref inverted index.
	IndexObjects bool
	// BlockCacheBytes, if positive, layers a CachedBlockSource of this
	// many bytes over every table a Stack opens. 0 (the default) opens
	// tables uncached, reading each block straight from the file.
	BlockCacheBytes int64
}

const (
	defaultRefBlockSize = 4096
	maxBlockSize        = (1 << 24) - 1
)

// NewConfig returns a Config populated with the defaults §6 lists:
// AlignBlocks and IndexObjects on, RefBlockSize/LogBlockSize/RestartInterval
// derived by applyDefaults, MaxIndexLevels left at 0 (unlimited).
func NewConfig() *Config {
	c := &Config{RefBlockSize: defaultRefBlockSize, AlignBlocks: true, IndexObjects: true}
	c.applyDefaults()
	return c
}

// applyDefaults fills in zero-valued size/interval fields with their
// documented default, deriving RestartInterval and LogBlockSize from
// RefBlockSize the way §6 specifies ("restartInterval ... 16 if
// refBlockSize < 60 KiB, else 64"). It never touches AlignBlocks or
// IndexObjects: a bool zero value can't distinguish "unset" from "false",
// so those two are defaulted once, in NewConfig, before a caller or
// LoadConfigFile gets a chance to turn either off deliberately.
func (c *Config) applyDefaults() {
	if c.RefBlockSize <= 0 {
		c.RefBlockSize = defaultRefBlockSize
	}
	if c.LogBlockSize <= 0 {
		c.LogBlockSize = 2 * c.RefBlockSize
	}
	if c.RestartInterval <= 0 {
		if c.RefBlockSize < 60*1024 {
			c.RestartInterval = 16
		} else {
			c.RestartInterval = 64
		}
	}
}

// LoadConfigFile overlays c with values present in a TOML file at path;
// fields absent from the file keep their current value. Callers should
// pass a Config already populated by NewConfig, so this is additive sugar
// over that path, never a second source of truth for defaults.
func LoadConfigFile(c *Config, path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}
	c.applyDefaults()
	return nil
}

// DefaultConfig returns the fully-defaulted configuration used when the
// caller passes a nil *Config to NewWriter.
func DefaultConfig() *Config {
	return NewConfig()
}
