package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for dodal.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Beamline  BeamlineConfig  `mapstructure:"beamline"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
	// LogFile receives a copy of every log record when set.
	LogFile string `mapstructure:"log_file"`
}

// BeamlineConfig describes the devices of one beamline.
type BeamlineConfig struct {
	Name               string         `mapstructure:"name"`
	SimDelay           time.Duration  `mapstructure:"sim_delay"`
	ApertureTravel     time.Duration  `mapstructure:"aperture_travel"`
	ThresholdTolerance float64        `mapstructure:"threshold_tolerance"`
	Timeouts           TimeoutsConfig `mapstructure:"timeouts"`
	LookupTable        string         `mapstructure:"lookup_table"`
	Detector           DetectorConfig `mapstructure:"detector"`
	// AperturePositions uses the GDA beamline parameter names, for example
	// miniap_x_LARGE_APERTURE or sg_y_ROBOT_LOAD.
	AperturePositions map[string]float64 `mapstructure:"aperture_positions"`
	EventQueueSize    int                `mapstructure:"event_queue_size"`
	// SimAutoFrames makes the simulated detector produce every frame of a
	// collection as soon as it is armed.
	SimAutoFrames bool `mapstructure:"sim_auto_frames"`
}

// TimeoutsConfig bounds each wait of the detector lifecycle.
type TimeoutsConfig struct {
	General       time.Duration `mapstructure:"general"`
	StaleParams   time.Duration `mapstructure:"stale_params"`
	MetaFileReady time.Duration `mapstructure:"meta_file_ready"`
	AllFrames     time.Duration `mapstructure:"all_frames"`
	Arming        time.Duration `mapstructure:"arming"`
	Finished      time.Duration `mapstructure:"finished"`
}

// DetectorConfig holds the collection parameters used when a request does
// not give its own.
type DetectorConfig struct {
	Type             string  `mapstructure:"type"`
	EnergyEV         float64 `mapstructure:"energy_ev"`
	ExposureTime     float64 `mapstructure:"exposure_time"`
	Directory        string  `mapstructure:"directory"`
	Prefix           string  `mapstructure:"prefix"`
	RunNumber        int     `mapstructure:"run_number"`
	DetectorDistance float64 `mapstructure:"detector_distance"`
	OmegaStart       float64 `mapstructure:"omega_start"`
	OmegaIncrement   float64 `mapstructure:"omega_increment"`
	ImagesPerTrigger int     `mapstructure:"images_per_trigger"`
	NumTriggers      int     `mapstructure:"num_triggers"`
	UseROIMode       bool    `mapstructure:"use_roi_mode"`
	TriggerMode      string  `mapstructure:"trigger_mode"`
}

// SinksConfig configures where device events go. An empty address disables
// that sink.
type SinksConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the DODAL_ prefix (e.g. DODAL_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DODAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "dodal")
	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.log_file", "")

	v.SetDefault("beamline.name", "i03")
	v.SetDefault("beamline.sim_delay", 5*time.Millisecond)
	v.SetDefault("beamline.aperture_travel", 20*time.Millisecond)
	v.SetDefault("beamline.threshold_tolerance", 0.001)
	v.SetDefault("beamline.lookup_table", "")
	v.SetDefault("beamline.event_queue_size", 256)
	v.SetDefault("beamline.sim_auto_frames", true)

	v.SetDefault("beamline.timeouts.general", 10*time.Second)
	v.SetDefault("beamline.timeouts.stale_params", 60*time.Second)
	v.SetDefault("beamline.timeouts.meta_file_ready", 30*time.Second)
	v.SetDefault("beamline.timeouts.all_frames", 120*time.Second)
	v.SetDefault("beamline.timeouts.arming", 60*time.Second)
	v.SetDefault("beamline.timeouts.finished", 30*time.Second)

	v.SetDefault("beamline.detector.type", "EIGER2_X_16M")
	v.SetDefault("beamline.detector.energy_ev", 12700.0)
	v.SetDefault("beamline.detector.exposure_time", 0.004)
	v.SetDefault("beamline.detector.directory", "/tmp/dodal")
	v.SetDefault("beamline.detector.prefix", "sim")
	v.SetDefault("beamline.detector.run_number", 1)
	v.SetDefault("beamline.detector.detector_distance", 250.0)
	v.SetDefault("beamline.detector.omega_start", 0.0)
	v.SetDefault("beamline.detector.omega_increment", 0.1)
	v.SetDefault("beamline.detector.images_per_trigger", 100)
	v.SetDefault("beamline.detector.num_triggers", 1)
	v.SetDefault("beamline.detector.use_roi_mode", false)
	v.SetDefault("beamline.detector.trigger_mode", "SET_FRAMES")

	v.SetDefault("beamline.aperture_positions", DefaultAperturePositions())

	v.SetDefault("sinks.timeout", 2*time.Second)
	v.SetDefault("sinks.nats.url", "")

	v.SetDefault("sinks.redis.host", "")
	v.SetDefault("sinks.redis.port", 6379)
	v.SetDefault("sinks.redis.db", 0)

	v.SetDefault("sinks.postgres.host", "")
	v.SetDefault("sinks.postgres.port", 5432)
	v.SetDefault("sinks.postgres.user", "dodal")
	v.SetDefault("sinks.postgres.db", "dodal")
	v.SetDefault("sinks.postgres.ssl_mode", "disable")
	v.SetDefault("sinks.postgres.max_conns", 5)
}

// DefaultAperturePositions are the i03 aperture-scatterguard positions.
func DefaultAperturePositions() map[string]float64 {
	return map[string]float64{
		"miniap_x_LARGE_APERTURE":  2.389,
		"miniap_y_LARGE_APERTURE":  40.986,
		"miniap_z_LARGE_APERTURE":  15.8,
		"sg_x_LARGE_APERTURE":      5.25,
		"sg_y_LARGE_APERTURE":      4.43,
		"miniap_x_MEDIUM_APERTURE": 2.384,
		"miniap_y_MEDIUM_APERTURE": 44.967,
		"miniap_z_MEDIUM_APERTURE": 15.8,
		"sg_x_MEDIUM_APERTURE":     5.285,
		"sg_y_MEDIUM_APERTURE":     0.46,
		"miniap_x_SMALL_APERTURE":  2.430,
		"miniap_y_SMALL_APERTURE":  48.974,
		"miniap_z_SMALL_APERTURE":  15.8,
		"sg_x_SMALL_APERTURE":      5.3375,
		"sg_y_SMALL_APERTURE":      -3.55,
		"miniap_x_ROBOT_LOAD":      2.386,
		"miniap_y_ROBOT_LOAD":      31.40,
		"miniap_z_ROBOT_LOAD":      15.8,
		"sg_x_ROBOT_LOAD":          5.25,
		"sg_y_ROBOT_LOAD":          4.36,
	}
}
