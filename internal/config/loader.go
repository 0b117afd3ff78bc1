package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix, and its config file stem.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none was set.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{BinaryName: "keyaudit", EnvPrefix: "KEYAUDIT", ConfigName: "keyaudit"}
}

// EnvSpec maps one environment variable to a config key path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// envKeys lists the env suffixes and the config keys they override.
var envKeys = []struct{ suffix, path string }{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"RATE_LIMIT", "server.rate_limit"},
	{"RATE_BURST", "server.rate_burst"},
	{"MAX_UPLOAD_BYTES", "server.max_upload_bytes"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"JOBS_DIR", "jobs.dir"},
	{"ANALYSIS_SCRIPT", "analysis.script"},
	{"ANALYSIS_INTERPRETER", "analysis.interpreter"},
	{"ANALYSIS_ARGS", "analysis.args"},
	{"ANALYSIS_WORK_DIR", "analysis.work_dir"},
	{"ANALYSIS_TIMEOUT", "analysis.timeout"},
	{"FAILURE_POLICY", "analysis.failure_policy"},
	{"PREFLIGHT_ENABLED", "preflight.enabled"},
	{"RETENTION_MAX_AGE", "retention.max_age"},
	{"RETENTION_INTERVAL", "retention.interval"},
}

// SetIdentity replaces the application identity used by later Loads.
func SetIdentity(id *AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// Identity returns the current application identity, or nil.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// SetConfigFile pins an explicit config file path. It takes precedence over
// the <PREFIX>_CONFIG variable; an empty path clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)
	v.SetDefault("server.max_upload_bytes", 10<<20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("jobs.dir", DefaultJobsDir(DefaultIdentity()))

	v.SetDefault("analysis.script", "./aws_service_checker.sh")
	v.SetDefault("analysis.interpreter", "")
	v.SetDefault("analysis.args", []string{})
	v.SetDefault("analysis.work_dir", DefaultWorkDir(DefaultIdentity()))
	v.SetDefault("analysis.timeout", "0s")
	v.SetDefault("analysis.env", map[string]string{"PROJECT_NAME": "aws-monitor"})
	v.SetDefault("analysis.failure_policy", "stderr")

	v.SetDefault("preflight.enabled", false)

	v.SetDefault("retention.max_age", "0s")
	v.SetDefault("retention.interval", "1h")
}

// DefaultJobsDir is the record root used when jobs.dir is unset:
// $XDG_DATA_HOME/<config name>/jobs.
func DefaultJobsDir(id *AppIdentity) string {
	return filepath.Join(gfconfig.GetAppDataDir(id.ConfigName), "jobs")
}

// DefaultWorkDir holds transient credential artifacts when
// analysis.work_dir is unset: $XDG_CACHE_HOME/<config name>/work.
func DefaultWorkDir(id *AppIdentity) string {
	return filepath.Join(gfconfig.GetAppCacheDir(id.ConfigName), "work")
}

// Load resolves configuration with precedence runtime overrides > env >
// config file > defaults and makes it available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}
	id := appIdentity

	v := viper.New()
	SetDefaults(v)
	// Path defaults follow the active identity.
	v.SetDefault("jobs.dir", DefaultJobsDir(id))
	v.SetDefault("analysis.work_dir", DefaultWorkDir(id))

	if err := readConfigFile(v, id, configFile); err != nil {
		return nil, err
	}

	for _, spec := range envSpecs(id) {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, id *AppIdentity, explicit string) error {
	path := explicit
	if path == "" {
		path = strings.TrimSpace(os.Getenv(id.EnvPrefix + "_CONFIG"))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(id.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range userConfigPaths(id) {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPaths(appIdentity)
}

func userConfigPaths(id *AppIdentity) []string {
	if id == nil {
		return []string{}
	}
	if gfconfig.GetXDGBaseDirs().ConfigHome == "" {
		return []string{}
	}
	return []string{gfconfig.GetAppConfigDir(id.ConfigName)}
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecs(appIdentity)
}

func envSpecs(id *AppIdentity) []EnvSpec {
	if id == nil || id.EnvPrefix == "" {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + k.suffix, Path: k.path})
	}
	return specs
}

// flatten turns nested override maps into dot-separated viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok && !isLeafMap(key) {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

// isLeafMap reports keys whose value is itself a map.
func isLeafMap(key string) bool {
	return key == "analysis.env"
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Analysis.FailurePolicy = strings.ToLower(strings.TrimSpace(cfg.Analysis.FailurePolicy))
	cfg.Jobs.Dir = strings.TrimSpace(cfg.Jobs.Dir)

	// Viper folds keys to lower case; environment names are upper case.
	env := make(map[string]string, len(cfg.Analysis.Env))
	for k, val := range cfg.Analysis.Env {
		env[strings.ToUpper(k)] = val
	}
	cfg.Analysis.Env = env

	args := cfg.Analysis.Args[:0]
	for _, a := range cfg.Analysis.Args {
		if a = strings.TrimSpace(a); a != "" {
			args = append(args, a)
		}
	}
	cfg.Analysis.Args = args
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", cfg.Server.Port)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Profile {
	case ProfileStructured, ProfileConsole:
	default:
		return fmt.Errorf("logging.profile must be STRUCTURED or CONSOLE; got %q", cfg.Logging.Profile)
	}
	if cfg.Jobs.Dir == "" {
		return fmt.Errorf("jobs.dir is required")
	}
	if cfg.Server.RateLimit < 0 || cfg.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_limit and server.rate_burst must be >= 0")
	}
	if cfg.Analysis.Timeout < 0 || cfg.Retention.MaxAge < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if cfg.Retention.MaxAge > 0 && cfg.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be > 0 when retention.max_age is set")
	}
	return nil
}
