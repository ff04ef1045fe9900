// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (c) 2017-2023 The Spacemesh developers

package server

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/validation"
)

const (
	defaultDbDirName      = "db"
	defaultLogDirname     = "logs"
	logFilename           = "starledger.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10
	defaultRESTPort       = 8000
)

// Config defines the configuration options for the ledger server.
//
// See LoadConfig for further details regarding the
// configuration loading+parsing process.
type Config struct {
	BaseDir         string  `long:"basedir"        description:"The base directory that contains the ledger's data, logs, configuration file, etc."`
	ConfigFile      string  `long:"configfile"     description:"Path to configuration file"                                                          short:"c"`
	DbDir           string  `long:"dbdir"          description:"The directory to store DBs within"`
	LogDir          string  `long:"logdir"         description:"Directory to log output."`
	DebugLog        bool    `long:"debuglog"       description:"Enable debug logs"`
	JSONLog         bool    `long:"jsonlog"        description:"Whether to log in JSON format"`
	MaxLogFiles     int     `long:"maxlogfiles"    description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize  int     `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	RawRESTListener string  `long:"restlisten"     description:"The interface/port/socket to listen for REST connections"                            short:"w"`
	MetricsPort     *uint16 `long:"metrics-port"   description:"The port to expose metrics"`
	MaxBodySize     int64   `long:"max-body-size"  description:"Maximum size of a request body in bytes"`

	CPUProfile string `long:"cpuprofile" description:"Write CPU profile to the specified file"`
	Profile    string `long:"profile"    description:"Enable HTTP profiling on given port -- must be between 1024 and 65535"`

	Legacy     LegacyConfig      `group:"Legacy"`
	Validation validation.Config `group:"Validation"`
}

// LegacyConfig points at the databases of a previous deployment. They are
// imported once on startup.
type LegacyConfig struct {
	ChainDir      string `long:"legacy-chain-dir"      description:"Directory of a legacy ledger DB to import"`
	ValidationDir string `long:"legacy-validation-dir" description:"Directory of a legacy validation records DB to import"`
}

// DefaultConfig returns a config with default hardcoded values.
func DefaultConfig() *Config {
	baseDir := "./starledger"
	cacheDir, err := os.UserCacheDir()
	if err == nil {
		baseDir = filepath.Join(cacheDir, "starledger")
	}

	return &Config{
		BaseDir:         baseDir,
		DbDir:           filepath.Join(baseDir, defaultDbDirName),
		LogDir:          filepath.Join(baseDir, defaultLogDirname),
		MaxLogFiles:     defaultMaxLogFiles,
		MaxLogFileSize:  defaultMaxLogFileSize,
		RawRESTListener: fmt.Sprintf("localhost:%d", defaultRESTPort),
		Validation:      validation.DefaultConfig(),
	}
}

// LoadConfig builds the config from defaults, the optional config file and
// the command line, in that order of precedence.
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line to check for an alternative config file.
	cfg, err := ParseFlags(DefaultConfig(), args)
	if err != nil {
		return nil, err
	}
	cfg, err = ReadConfigFile(cfg)
	if err != nil {
		return nil, err
	}
	cfg, err = SetupConfig(cfg)
	if err != nil {
		return nil, err
	}
	// Parse the command line again so that it takes precedence.
	return ParseFlags(cfg, args)
}

// ParseFlags reads values from command line arguments.
func ParseFlags(preCfg *Config, args []string) (*Config, error) {
	if _, err := flags.ParseArgs(preCfg, args); err != nil {
		return nil, err
	}
	return preCfg, nil
}

// ReadConfigFile reads config from an ini file.
// It uses the provided `cfg` as a base config and overrides it with the values
// from the config file.
func ReadConfigFile(cfg *Config) (*Config, error) {
	if cfg.ConfigFile == "" {
		return cfg, nil
	}
	logging.FromContext(context.Background()).Sugar().Debugf("reading config from %s", cfg.ConfigFile)
	if err := flags.IniParse(cfg.ConfigFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %v: %w", cfg.ConfigFile, err)
	}

	return cfg, nil
}

// SetupConfig expands paths and initializes filesystem.
func SetupConfig(cfg *Config) (*Config, error) {
	// If the provided base directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	defaultCfg := DefaultConfig()
	if cfg.BaseDir != defaultCfg.BaseDir {
		if cfg.LogDir == defaultCfg.LogDir {
			cfg.LogDir = filepath.Join(cfg.BaseDir, defaultLogDirname)
		}
		if cfg.DbDir == defaultCfg.DbDir {
			cfg.DbDir = filepath.Join(cfg.BaseDir, defaultDbDirName)
		}
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create %v: %w", cfg.BaseDir, err)
	}

	// As soon as we're done parsing configuration options, ensure all paths
	// to directories and files are cleaned and expanded before attempting
	// to use them later on.
	cfg.DbDir = cleanAndExpandPath(cfg.DbDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.Legacy.ChainDir = cleanAndExpandPath(cfg.Legacy.ChainDir)
	cfg.Legacy.ValidationDir = cleanAndExpandPath(cfg.Legacy.ValidationDir)

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		user, err := user.Current()
		if err == nil {
			homeDir = user.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// Logger writes to stdout and to a rotated file under LogDir.
func (cfg *Config) Logger() *zap.Logger {
	level := zap.InfoLevel
	if cfg.DebugLog {
		level = zap.DebugLevel
	}
	return logging.New(level, logging.FileOptions{
		Filename:   filepath.Join(cfg.LogDir, logFilename),
		MaxSize:    cfg.MaxLogFileSize,
		MaxBackups: cfg.MaxLogFiles,
	}, cfg.JSONLog)
}

// implement zap.ObjectMarshaler interface.
func (c LegacyConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("chain-dir", c.ChainDir)
	enc.AddString("validation-dir", c.ValidationDir)
	return nil
}
