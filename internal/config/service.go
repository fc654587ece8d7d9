package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// EngineSynthetic is the built-in engine.
const EngineSynthetic = "synthetic"

// ServiceConfig holds everything the server needs at startup. Fields can
// come from a YAML file (--config) and are overridden by explicit flags.
type ServiceConfig struct {
	DataDir string `yaml:"data_dir" validate:"required"`
	Mode    string `yaml:"mode" validate:"required,oneof=mono rgbd"`
	Port    string `yaml:"port" validate:"required"`

	// DataRateMs is the poll delay when no new frame is available. Must be
	// positive.
	DataRateMs *int `yaml:"data_rate_ms" validate:"required,gte=1"`
	// MapRateSec is the archive interval. 0 runs in pure localization mode.
	MapRateSec *int `yaml:"map_rate_sec" validate:"required,gte=0"`

	Sensor              string `yaml:"sensors"`
	UseLiveData         bool   `yaml:"use_live_data"`
	DeleteProcessedData bool   `yaml:"delete_processed_data"`
	Debug               bool   `yaml:"debug"`

	CompressArchives bool `yaml:"compress_archives"`
	// ArchiveDB is the archive index path; "" uses {data_dir}/map/archives.db
	// and "none" disables the index.
	ArchiveDB string `yaml:"archive_db"`
	Engine    string `yaml:"engine" validate:"omitempty,oneof=synthetic"`
}

// Paths derived from DataDir.
func (c *ServiceConfig) DataPath() string     { return filepath.Join(c.DataDir, "data") }
func (c *ServiceConfig) MapPath() string      { return filepath.Join(c.DataDir, "map") }
func (c *ServiceConfig) SettingsPath() string { return filepath.Join(c.DataDir, "config") }

// ArchiveDBPath returns the index location, or "" when disabled.
func (c *ServiceConfig) ArchiveDBPath() string {
	switch c.ArchiveDB {
	case "none":
		return ""
	case "":
		return filepath.Join(c.MapPath(), "archives.db")
	default:
		return c.ArchiveDB
	}
}

// ListenAddr returns Port as a listen address. A bare port number listens
// on all interfaces.
func (c *ServiceConfig) ListenAddr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// FrameDelay is DataRateMs as a duration.
func (c *ServiceConfig) FrameDelay() time.Duration {
	if c.DataRateMs == nil {
		return 0
	}
	return time.Duration(*c.DataRateMs) * time.Millisecond
}

// MapInterval is MapRateSec as a duration.
func (c *ServiceConfig) MapInterval() time.Duration {
	if c.MapRateSec == nil {
		return 0
	}
	return time.Duration(*c.MapRateSec) * time.Second
}

// PureLocalization reports whether map persistence is disabled.
func (c *ServiceConfig) PureLocalization() bool {
	return c.MapInterval() == 0
}

var validate = validator.New()

// messages maps field/tag pairs to the operator-facing startup errors.
var messages = map[string]string{
	"DataDir.required":    "No data directory given",
	"Mode.required":       "No SLAM mode given",
	"Port.required":       "No gRPC port given",
	"DataRateMs.required": "a data_rate_ms value is required",
	"MapRateSec.required": "a map_rate_sec value is required",
	"DataRateMs.gte":      "data_rate_ms must be at least 1",
	"MapRateSec.gte":      "map_rate_sec must not be negative",
}

// Validate checks required fields and cross-field rules. The first failure
// is reported.
func (c *ServiceConfig) Validate() error {
	c.Mode = strings.ToLower(c.Mode)

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return err
		}
		fe := verrs[0]
		if msg, ok := messages[fe.Field()+"."+fe.Tag()]; ok {
			return errors.New(msg)
		}
		switch fe.Field() {
		case "Mode":
			return fmt.Errorf("Invalid slam_mode=%s", c.Mode)
		case "Engine":
			return fmt.Errorf("unknown engine %q", c.Engine)
		}
		return fmt.Errorf("invalid %s: failed %q check", fe.Field(), fe.Tag())
	}

	if c.UseLiveData && c.Sensor == "" {
		return errors.New("a true use_live_data value is invalid when no sensors are given")
	}
	if !c.UseLiveData && c.DeleteProcessedData {
		return errors.New("a true delete_processed_data value is invalid when running slam in offline mode")
	}
	return nil
}

// LoadServiceConfig reads a YAML config file. Fields it omits keep their
// zero values, so partial files are fine.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &ServiceConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Parse builds the configuration from command-line arguments (without the
// program name) and validates it.
func Parse(args []string) (*ServiceConfig, error) {
	flagSet := pflag.NewFlagSet("slamserver", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "YAML file with default values for the flags below")
	dataDir := flagSet.String("data_dir", "", "session directory containing data/, map/ and config/")
	mode := flagSet.String("mode", "", "sensor mode: mono or rgbd")
	port := flagSet.String("port", "", "gRPC listen address, e.g. :8085 or localhost:0")
	dataRate := flagSet.Int("data_rate_ms", 0, "delay between polls for new frames, in milliseconds")
	mapRate := flagSet.Int("map_rate_sec", 0, "interval between map archives, in seconds (0 = pure localization)")
	sensor := flagSet.String("sensors", "", "sensor name that prefixes frame files")
	live := flagSet.Bool("use_live_data", false, "tail new frames instead of replaying the backlog")
	deleteProcessed := flagSet.Bool("delete_processed_data", false, "delete processed frames (online mode only)")
	debug := flagSet.Bool("debug", false, "enable debug logging and trajectory plots")
	compress := flagSet.Bool("compress_archives", false, "zstd-compress map archives")
	archiveDB := flagSet.String("archive_db", "", `archive index path ("none" disables)`)
	engine := flagSet.String("engine", "", "tracking engine implementation")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg := &ServiceConfig{}
	if *configPath != "" {
		loaded, err := LoadServiceConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	flagSet.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "data_dir":
			cfg.DataDir = *dataDir
		case "mode":
			cfg.Mode = *mode
		case "port":
			cfg.Port = *port
		case "data_rate_ms":
			cfg.DataRateMs = dataRate
		case "map_rate_sec":
			cfg.MapRateSec = mapRate
		case "sensors":
			cfg.Sensor = *sensor
		case "use_live_data":
			cfg.UseLiveData = *live
		case "delete_processed_data":
			cfg.DeleteProcessedData = *deleteProcessed
		case "debug":
			cfg.Debug = *debug
		case "compress_archives":
			cfg.CompressArchives = *compress
		case "archive_db":
			cfg.ArchiveDB = *archiveDB
		case "engine":
			cfg.Engine = *engine
		}
	})
	if cfg.Engine == "" {
		cfg.Engine = EngineSynthetic
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
