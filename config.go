// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcpayjoin/internal/cfgutil"
	"github.com/btcsuite/btcpayjoin/netparams"
	"github.com/btcsuite/btcpayjoin/receive"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "btcpayjoin.conf"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "btcpayjoin.log"
	defaultDirectory      = "https://payjo.in"
	defaultRelay          = "https://pj.bobspacebkk.com"
	defaultPollInterval   = 5 * time.Second
	defaultPollJitter     = 0.2
	defaultHTTPTimeout    = time.Minute
	defaultDBTimeout      = 60 * time.Second
)

var (
	btcpayjoinHomeDir = btcutil.AppDataDir("btcpayjoin", false)
	bitcoindHomeDir   = btcutil.AppDataDir("bitcoin", false)
	defaultConfigFile = filepath.Join(
		btcpayjoinHomeDir, defaultConfigFilename,
	)
	defaultDataDir = btcpayjoinHomeDir
	defaultLogDir  = filepath.Join(btcpayjoinHomeDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store payjoin sessions"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	TestNet3    bool   `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	TestNet4    bool   `long:"testnet4" description:"Use the test Bitcoin network (version 4)"`
	SigNet      bool   `long:"signet" description:"Use the signet test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`

	// Database options
	NoFreelistSync bool          `long:"nofreelistsync" description:"Do not sync the database freelist to disk"`
	DBTimeout      time.Duration `long:"dbtimeout" description:"The timeout value to use when opening the session database"`

	// bitcoind RPC options
	RPCConnect       string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the bitcoind RPC server to connect to (default localhost:8332, testnet: localhost:18332, testnet4: localhost:48332, signet: localhost:38332, regtest: localhost:18443)"`
	RPCWallet        string `long:"rpcwallet" description:"Name of the loaded bitcoind wallet that receives the payment"`
	RPCUser          string `short:"u" long:"rpcuser" description:"Username for bitcoind RPC authentication"`
	RPCPass          string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for bitcoind RPC authentication"`
	RPCCookie        string `long:"rpccookie" description:"Path to bitcoind's .cookie file, used when no rpcuser is given (default: the cookie in bitcoind's data directory)"`
	CAFile           string `long:"cafile" description:"File containing root certificates to authenticate a TLS connection with the RPC server"`
	DisableClientTLS bool   `long:"noclienttls" description:"Disable TLS for the RPC client -- NOTE: This is only allowed if the RPC client is connecting to localhost"`

	// Payjoin options
	Directory    *cfgutil.URLFlag    `long:"directory" description:"Payjoin directory that hosts the session mailbox"`
	Relay        *cfgutil.URLFlag    `long:"relay" description:"OHTTP relay used to reach the directory"`
	Expiry       time.Duration       `long:"expiry" description:"Lifetime of a new payjoin session"`
	PollInterval time.Duration       `long:"pollinterval" description:"Average time between mailbox polls"`
	PollJitter   float64             `long:"polljitter" description:"Fraction of the poll interval to randomize each poll by"`
	HTTPTimeout  time.Duration       `long:"httptimeout" description:"Timeout of a single request through the relay"`
	Amount       *cfgutil.AmountFlag `long:"amount" description:"Amount to request in the payment URI, in BTC or with a ' sat' suffix"`
	Label        string              `long:"label" description:"Label to put in the payment URI"`
	Message      string              `long:"message" description:"Message to put in the payment URI"`
	MinFeeRate   cfgutil.FeeRateFlag `long:"minfeerate" description:"Minimum fee rate in sat/vB the original and the payjoin must pay"`
	NoPjos       bool                `long:"disableoutputsubstitution" description:"Ask senders not to let the receiver substitute its output"`
	NewSession   bool                `long:"newsession" description:"Start a new session even if an enrolled one can be resumed"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(btcpayjoinHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns a config with every option at its default.
func defaultConfig() config {
	return config{
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		DBTimeout:    defaultDBTimeout,
		Directory:    cfgutil.NewURLFlag(defaultDirectory),
		Relay:        cfgutil.NewURLFlag(defaultRelay),
		Expiry:       receive.DefaultSessionLifetime,
		PollInterval: defaultPollInterval,
		PollJitter:   defaultPollJitter,
		HTTPTimeout:  defaultHTTPTimeout,
		Amount:       cfgutil.NewAmountFlag(0),
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in btcpayjoin functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := cleanAndExpandPath(preCfg.ConfigFile)
	exists, err := cfgutil.FileExists(configFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	if exists {
		err = flags.NewIniParser(parser).ParseFile(configFilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
	} else if preCfg.ConfigFile != defaultConfigFile {
		configFileError = fmt.Errorf("config file %s does not exist",
			configFilePath)
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// validateConfig selects the active network and checks and normalizes the
// options that do not depend on logging.
func validateConfig(cfg *config) error {
	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	activeNet = &netparams.MainNetParams
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.TestNet4 {
		activeNet = &netparams.TestNet4Params
		numNets++
	}
	if cfg.SigNet {
		activeNet = &netparams.SigNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return errors.New("loadConfig: the testnet, testnet4, signet " +
			"and regtest params can't be used together -- choose one")
	}

	// Append the network type to the data and log directories so they are
	// "namespaced" per network.
	cfg.DataDir = filepath.Join(
		cleanAndExpandPath(cfg.DataDir), activeNet.Params.Name,
	)
	cfg.LogDir = filepath.Join(
		cleanAndExpandPath(cfg.LogDir), activeNet.Params.Name,
	)

	if cfg.Expiry <= 0 {
		return fmt.Errorf("loadConfig: expiry must be positive, got %v",
			cfg.Expiry)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("loadConfig: pollinterval must be positive, "+
			"got %v", cfg.PollInterval)
	}
	if cfg.PollJitter < 0 {
		return fmt.Errorf("loadConfig: polljitter must not be "+
			"negative, got %v", cfg.PollJitter)
	}

	// Add default port to connect flag if missing.
	if cfg.RPCConnect == "" {
		cfg.RPCConnect = net.JoinHostPort(
			"localhost", activeNet.RPCClientPort,
		)
	}
	var err error
	cfg.RPCConnect, err = cfgutil.NormalizeAddress(
		cfg.RPCConnect, activeNet.RPCClientPort,
	)
	if err != nil {
		return fmt.Errorf("loadConfig: invalid rpcconnect network "+
			"address: %v", err)
	}

	localhostListeners := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	rpcHost, _, err := net.SplitHostPort(cfg.RPCConnect)
	if err != nil {
		return err
	}
	if cfg.DisableClientTLS {
		if _, ok := localhostListeners[rpcHost]; !ok {
			return fmt.Errorf("loadConfig: the --noclienttls option "+
				"may not be used when connecting RPC to non "+
				"localhost addresses: %s", cfg.RPCConnect)
		}
	} else if cfg.CAFile != "" {
		cfg.CAFile = cleanAndExpandPath(cfg.CAFile)
	}

	// Fall back to bitcoind's cookie when no credentials are given.
	if cfg.RPCUser == "" && cfg.RPCCookie == "" {
		cfg.RPCCookie = filepath.Join(
			bitcoindNetDir(bitcoindHomeDir), ".cookie",
		)
	}
	if cfg.RPCCookie != "" {
		cfg.RPCCookie = cleanAndExpandPath(cfg.RPCCookie)
	}

	return nil
}

// bitcoindNetDir returns the directory bitcoind keeps the active network's
// files in.
func bitcoindNetDir(home string) string {
	switch activeNet.Net {
	case netparams.TestNet3Params.Net:
		return filepath.Join(home, "testnet3")
	case netparams.TestNet4Params.Net:
		return filepath.Join(home, "testnet4")
	case netparams.SigNetParams.Net:
		return filepath.Join(home, "signet")
	case netparams.RegressionNetParams.Net:
		return filepath.Join(home, "regtest")
	default:
		return home
	}
}
