// Copyright (c) 2025 The TODOKANAI developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Nekotekina/TODOKANAI/keymgr"
	"github.com/btcsuite/btcutil"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "tdk.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "tdk.log"

	// keyfileName is the master key file inside the data directory.
	keyfileName = "master.key"

	// defaultDict and defaultWords describe the default generated
	// password: 11 Latin elements carry just over 64 bits of entropy.
	defaultDict  = 0
	defaultWords = 11
)

var (
	defaultDataDir    = btcutil.AppDataDir("todokanai", false)
	defaultConfigFile = filepath.Join(defaultDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultDataDir, defaultLogDirname)
)

// Config contains the configuration information read from the command
// line and from the config file.
type Config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"D" long:"datadir" description:"Directory holding the master key file and store containers"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`

	GenKey bool   `long:"genkey" description:"Generate a new master key file from a random password and print the password once"`
	Dict   int    `long:"dict" description:"Dictionary id for --genkey (see --dicts)"`
	Words  int    `long:"words" description:"Number of password elements for --genkey"`
	Prefix string `long:"prefix" description:"Fixed password prefix for --genkey"`
	Dicts  bool   `long:"dicts" description:"List password dictionaries with strengths and example passwords"`

	Check string `long:"check" description:"Open a store container file and report its block count, record count and error bits"`
	Info  string `long:"info" description:"Print the hex and base-57 forms of a public key given in base-57 or hex"`

	keyfilePath string
}

// cleanAndExpandPath expands environment variables and leading ~ in
// the passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style
	// %VARIABLE%, but the variables can still be expanded via
	// POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log
// level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*Config, []string, error) {
	cfg := Config{
		DataDir:    defaultDataDir,
		LogDir:     defaultLogDir,
		DebugLevel: defaultLogLevel,
		ConfigFile: defaultConfigFile,
		Dict:       defaultDict,
		Words:      defaultWords,
	}

	// Pre-parse the command line options to see if an alternative
	// config file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", filepath.Base(os.Args[0]), version)
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(cleanAndExpandPath(preCfg.ConfigFile))
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.keyfilePath = filepath.Join(cfg.DataDir, keyfileName)

	if !validLogLevel(cfg.DebugLevel) {
		err := fmt.Errorf("the specified debug level [%q] is invalid", cfg.DebugLevel)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Dict < 0 || cfg.Dict >= keymgr.DictCount() {
		err := fmt.Errorf("the specified dictionary [%d] is invalid", cfg.Dict)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Create the data directory; the key file and containers live
	// there.
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
