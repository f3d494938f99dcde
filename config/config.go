package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var Config *TimerConfig

func init() {
	// Ensure Config is non-nil with default values for tests and simple runs.
	if Config == nil {
		Config = initDefaultConfig()
	}
}

// TimerConfig is the flat configuration shared by all three roles. Flags are
// bound per role in cmd/; unused fields simply keep their defaults.
type TimerConfig struct {
	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level"`
	Verbose  string `mapstructure:"verbose" description:"comma-separated verbose log tags, e.g. reads"`

	// Server role.
	Host          string `mapstructure:"host" default:"0.0.0.0" description:"the host address to bind to"`
	Port          int    `mapstructure:"port" default:"7317" description:"the port for forwarder/receiver sessions"`
	AdminHost     string `mapstructure:"admin-host" default:"127.0.0.1" description:"the host address for the admin HTTP API"`
	AdminPort     int    `mapstructure:"admin-port" default:"7318" description:"the port for the admin HTTP API"`
	ServerDBPath  string `mapstructure:"server-db" default:"server.db" description:"path of the canonical event store"`
	ReceiverQueue int    `mapstructure:"receiver-queue" default:"1024" description:"bounded per-receiver fan-out queue length"`
	DropHighWater int    `mapstructure:"drop-high-water" default:"256" description:"dropped-event count after which a slow receiver is disconnected"`

	// Session timing, both roles.
	HeartbeatIntervalSec int `mapstructure:"heartbeat-interval-sec" default:"30" description:"interval between server heartbeats"`
	SessionTimeoutSec    int `mapstructure:"session-timeout-sec" default:"90" description:"silence after which a session is considered dead"`
	HandshakeTimeoutSec  int `mapstructure:"handshake-timeout-sec" default:"10" description:"time allowed for the hello exchange before the attempt is abandoned"`

	// Forwarder role.
	ServerAddr        string `mapstructure:"server-addr" default:"127.0.0.1:7317" description:"host:port of the central server"`
	ForwarderID       string `mapstructure:"forwarder-id" description:"identity of this forwarder; must match its credential"`
	DisplayName       string `mapstructure:"display-name" description:"human-friendly name for this forwarder (e.g. Start Line)"`
	Credential        string `mapstructure:"credential" description:"bearer credential presented in hello"`
	JournalDBPath     string `mapstructure:"journal-db" default:"journal.db" description:"path of the durable read journal"`
	JournalMaxEvents  int    `mapstructure:"journal-max-events" default:"500000" description:"retention watermark; acked rows are pruned first when exceeded"`
	BatchMaxEvents    int    `mapstructure:"batch-max-events" default:"256" description:"max events per uplink batch"`
	BatchFlushMillis  int    `mapstructure:"batch-flush-ms" default:"200" description:"journal poll interval while idle"`
	ReaderListenAddrs []string `mapstructure:"reader-addrs" description:"reader host:port endpoints to read lines from"`
	StatusAddr        string `mapstructure:"status-addr" default:"127.0.0.1:7319" description:"local status HTTP endpoint"`

	// Receiver role.
	ReceiverID     string `mapstructure:"receiver-id" description:"identity of this receiver; must match its credential"`
	CursorDBPath   string `mapstructure:"cursor-db" default:"cursors.db" description:"path of the local cursor cache"`
	SinkAddr       string `mapstructure:"sink-addr" default:"127.0.0.1:10001" description:"host:port to serve delivered read lines on; timing software connects here as if to the reader"`
	SelectionMode  string `mapstructure:"selection-mode" default:"manual" description:"initial selection mode: manual | race"`
	SelectionRace  string `mapstructure:"selection-race" description:"race id when selection-mode is race"`
	SelectionScope string `mapstructure:"selection-scope" default:"current" description:"epoch scope for race selections: all | current"`
	SelectionStreams []string `mapstructure:"selection-streams" description:"forwarder_id/reader_key pairs when selection-mode is manual"`
}

// Load merges, in increasing priority: struct defaults, timer.yaml in the
// metadata dir, then explicitly set flags. Relative database paths are
// anchored under the metadata dir so restarts from a different working
// directory find the same files.
func Load(flags *pflag.FlagSet) {
	configureMetadataDir()
	viper.SetConfigType("yaml")
	viper.AddConfigPath(MetadataDir)
	viper.SetConfigName("timer")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		if flag.Value.Type() == "stringSlice" || flag.Value.Type() == "stringArray" {
			if flag.Changed || !viper.IsSet(flag.Name) {
				var ss []string
				var err error
				if flag.Value.Type() == "stringSlice" {
					ss, err = flags.GetStringSlice(flag.Name)
				} else {
					ss, err = flags.GetStringArray(flag.Name)
				}
				if err == nil {
					viper.Set(flag.Name, ss)
				} else {
					viper.Set(flag.Name, flag.Value.String())
				}
			}
			return
		}
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}

	Config.ServerDBPath = anchorPath(Config.ServerDBPath)
	Config.JournalDBPath = anchorPath(Config.JournalDBPath)
	Config.CursorDBPath = anchorPath(Config.CursorDBPath)
}

// anchorPath resolves a relative path under MetadataDir; absolute paths are
// respected unchanged.
func anchorPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(MetadataDir, p)
}

// WriteDefault writes the effective configuration as timer.yaml in the
// metadata dir unless one already exists.
func WriteDefault(flags *pflag.FlagSet) {
	Load(flags)
	configPath := filepath.Join(MetadataDir, "timer.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := viper.WriteConfigAs(configPath); err != nil {
			slog.Error("could not write the config file",
				slog.String("path", configPath),
				slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config created", slog.String("path", configPath))
		return
	}
	slog.Info("config already exists. skipping.", slog.String("path", configPath))
}

func configureMetadataDir() {
	if !filepath.IsAbs(MetadataDir) {
		cwd, _ := os.Getwd()
		MetadataDir = filepath.Join(cwd, MetadataDir)
	}
	if err := os.MkdirAll(MetadataDir, 0o700); err != nil {
		fmt.Printf("could not create metadata directory at %s. error: %s\n", MetadataDir, err)
		fmt.Println("using current directory as metadata directory")
		MetadataDir = "."
	}
}

func initDefaultConfig() *TimerConfig {
	defaultConfig := &TimerConfig{}
	configType := reflect.TypeOf(*defaultConfig)
	configValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		value := configValue.Field(i)

		tag := field.Tag.Get("default")
		if tag != "" {
			switch value.Kind() {
			case reflect.String:
				value.SetString(tag)
			case reflect.Int:
				intVal := 0
				if _, err := fmt.Sscanf(tag, "%d", &intVal); err == nil {
					value.SetInt(int64(intVal))
				}
			case reflect.Bool:
				boolVal := false
				if _, err := fmt.Sscanf(tag, "%t", &boolVal); err == nil {
					value.SetBool(boolVal)
				}
			}
		}
	}

	return defaultConfig
}

// ForceInit installs cfg, filling zero-valued fields from defaults. Used by
// tests to run components without flag parsing.
func ForceInit(cfg *TimerConfig) {
	defaultConfig := initDefaultConfig()

	configType := reflect.TypeOf(*cfg)
	configValue := reflect.ValueOf(cfg).Elem()
	defaultConfigValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		value := configValue.Field(i)
		if value.IsZero() {
			value.Set(defaultConfigValue.Field(i))
		}
	}

	Config = cfg
}
