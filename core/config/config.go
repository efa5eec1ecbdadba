// Package config loads the engclock configuration. Every key is optional;
// missing or invalid values fall back to the documented defaults.
package config

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"example.com/eng-clock/base/floats"
	"example.com/eng-clock/base/timemath"
)

// DSCP is the Differentiated Services Codepoint value to be used by senders of
// time synchronization packets. Valid values must be in range [0, 63].
const DSCP = 46

const (
	TransportNative = "native"
	TransportBeevik = "beevik"

	DisplayAuto  = "auto"
	DisplayTUI   = "tui"
	DisplayPlain = "plain"

	defaultFileName = "eng-clock.toml"
)

var DefaultServers = []string{
	"0.pool.ntp.org",
	"1.pool.ntp.org",
	"2.pool.ntp.org",
	"3.pool.ntp.org",
}

var ErrNoServers = errors.New("no valid NTP server configured")

// File is the on-disk representation. Scalar tunables are pointers so that
// absent keys can be told apart from explicit zero values.
type File struct {
	NTPServers           []string `toml:"ntp_servers,omitempty" yaml:"ntp_servers,omitempty"`
	NTPPort              *int     `toml:"ntp_port,omitempty" yaml:"ntp_port,omitempty"`
	LocalAddr            string   `toml:"local_address,omitempty" yaml:"local_address,omitempty"`
	Transport            string   `toml:"transport,omitempty" yaml:"transport,omitempty"`
	TargetPrecision      *float64 `toml:"target_precision,omitempty" yaml:"target_precision,omitempty"`
	MinPollInterval      *float64 `toml:"min_poll_interval,omitempty" yaml:"min_poll_interval,omitempty"`
	MaxPollInterval      *float64 `toml:"max_poll_interval,omitempty" yaml:"max_poll_interval,omitempty"`
	PollGrowth           *float64 `toml:"poll_growth,omitempty" yaml:"poll_growth,omitempty"`
	PollShrink           *float64 `toml:"poll_shrink,omitempty" yaml:"poll_shrink,omitempty"`
	ExchangeTimeout      *float64 `toml:"exchange_timeout,omitempty" yaml:"exchange_timeout,omitempty"`
	ServersPerBurst      *int     `toml:"servers_per_burst,omitempty" yaml:"servers_per_burst,omitempty"`
	ProbesPerServer      *int     `toml:"probes_per_server,omitempty" yaml:"probes_per_server,omitempty"`
	FailureThreshold     *int     `toml:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	FailureCooldown      *float64 `toml:"failure_cooldown,omitempty" yaml:"failure_cooldown,omitempty"`
	DelaySmoothing       *float64 `toml:"delay_smoothing,omitempty" yaml:"delay_smoothing,omitempty"`
	HistoryLength        *int     `toml:"history_length,omitempty" yaml:"history_length,omitempty"`
	OutlierThreshold     *float64 `toml:"outlier_threshold,omitempty" yaml:"outlier_threshold,omitempty"`
	MinOutlierSpread     *float64 `toml:"min_outlier_spread,omitempty" yaml:"min_outlier_spread,omitempty"`
	MaxDelay             *float64 `toml:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	InitialOffsetStdDev  *float64 `toml:"initial_offset_stddev,omitempty" yaml:"initial_offset_stddev,omitempty"`
	InitialDriftStdDev   *float64 `toml:"initial_drift_stddev,omitempty" yaml:"initial_drift_stddev,omitempty"`
	OffsetProcessNoise   *float64 `toml:"offset_process_noise,omitempty" yaml:"offset_process_noise,omitempty"`
	DriftProcessNoise    *float64 `toml:"drift_process_noise,omitempty" yaml:"drift_process_noise,omitempty"`
	DelayNoiseFactor     *float64 `toml:"delay_noise_factor,omitempty" yaml:"delay_noise_factor,omitempty"`
	MinMeasurementStdDev *float64 `toml:"min_measurement_stddev,omitempty" yaml:"min_measurement_stddev,omitempty"`
	MetricsAddr          string   `toml:"metrics_address,omitempty" yaml:"metrics_address,omitempty"`
	Display              string   `toml:"display,omitempty" yaml:"display,omitempty"`
	LogFile              string   `toml:"log_file,omitempty" yaml:"log_file,omitempty"`
}

// Config is the resolved, immutable configuration of a running instance.
type Config struct {
	Servers   []string // host:port
	LocalAddr netip.AddrPort
	Transport string

	TargetPrecision  float64 // s
	MinPollInterval  time.Duration
	MaxPollInterval  time.Duration
	PollGrowth       float64
	PollShrink       float64
	ExchangeTimeout  time.Duration
	ServersPerBurst  int
	ProbesPerServer  int
	FailureThreshold int
	FailureCooldown  time.Duration
	DelaySmoothing   float64

	HistoryLength    int
	OutlierThreshold float64
	MinOutlierSpread float64 // s
	MaxDelay         time.Duration

	InitialOffsetStdDev  float64 // s
	InitialDriftStdDev   float64 // s/s
	OffsetProcessNoise   float64 // s^2/s
	DriftProcessNoise    float64 // (s/s)^2/s
	DelayNoiseFactor     float64
	MinMeasurementStdDev float64 // s

	MetricsAddr string
	Display     string
	LogFile     string
}

func Default() Config {
	cfg, err := Resolve(zap.NewNop(), File{})
	if err != nil {
		panic("unexpected invalid default configuration")
	}
	return cfg
}

// DefaultPath returns the configuration file looked up when none is given
// explicitly, or "" if the user configuration directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, defaultFileName)
}

// Load reads and resolves the configuration file at path. An empty path
// selects DefaultPath if that file exists and the built-in defaults
// otherwise.
func Load(log *zap.Logger, path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
		if path == "" {
			return Resolve(log, File{})
		}
		_, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("no configuration file, using defaults", zap.String("path", path))
			return Resolve(log, File{})
		}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	f, err := Decode(log, raw, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration %s: %w", path, err)
	}
	return Resolve(log, f)
}

// Decode parses raw as YAML if ext is ".yaml" or ".yml" and as TOML
// otherwise. Only syntax errors are returned: unknown keys and values of
// the wrong type are logged and left unset.
func Decode(log *zap.Logger, raw []byte, ext string) (File, error) {
	var m map[string]any
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err := yaml.Unmarshal(raw, &m)
		if err != nil {
			return File{}, err
		}
	default:
		err := toml.Unmarshal(raw, &m)
		if err != nil {
			return File{}, err
		}
	}

	var f File
	setters := f.setters()
	for _, key := range slices.Sorted(maps.Keys(m)) {
		set, ok := setters[key]
		if !ok {
			log.Warn("unknown configuration key, ignoring", zap.String("key", key))
			continue
		}
		if !set(m[key]) {
			log.Warn("configuration value has the wrong type, using default",
				zap.String("key", key), zap.Any("value", m[key]))
		}
	}
	return f, nil
}

func (f *File) setters() map[string]func(any) bool {
	return map[string]func(any) bool{
		"ntp_servers":            setStrings(&f.NTPServers),
		"ntp_port":               setInt(&f.NTPPort),
		"local_address":          setString(&f.LocalAddr),
		"transport":              setString(&f.Transport),
		"target_precision":       setFloat(&f.TargetPrecision),
		"min_poll_interval":      setFloat(&f.MinPollInterval),
		"max_poll_interval":      setFloat(&f.MaxPollInterval),
		"poll_growth":            setFloat(&f.PollGrowth),
		"poll_shrink":            setFloat(&f.PollShrink),
		"exchange_timeout":       setFloat(&f.ExchangeTimeout),
		"servers_per_burst":      setInt(&f.ServersPerBurst),
		"probes_per_server":      setInt(&f.ProbesPerServer),
		"failure_threshold":      setInt(&f.FailureThreshold),
		"failure_cooldown":       setFloat(&f.FailureCooldown),
		"delay_smoothing":        setFloat(&f.DelaySmoothing),
		"history_length":         setInt(&f.HistoryLength),
		"outlier_threshold":      setFloat(&f.OutlierThreshold),
		"min_outlier_spread":     setFloat(&f.MinOutlierSpread),
		"max_delay":              setFloat(&f.MaxDelay),
		"initial_offset_stddev":  setFloat(&f.InitialOffsetStdDev),
		"initial_drift_stddev":   setFloat(&f.InitialDriftStdDev),
		"offset_process_noise":   setFloat(&f.OffsetProcessNoise),
		"drift_process_noise":    setFloat(&f.DriftProcessNoise),
		"delay_noise_factor":     setFloat(&f.DelayNoiseFactor),
		"min_measurement_stddev": setFloat(&f.MinMeasurementStdDev),
		"metrics_address":        setString(&f.MetricsAddr),
		"display":                setString(&f.Display),
		"log_file":               setString(&f.LogFile),
	}
}

func setString(p *string) func(any) bool {
	return func(x any) bool {
		s, ok := x.(string)
		if ok {
			*p = s
		}
		return ok
	}
}

func setStrings(p *[]string) func(any) bool {
	return func(x any) bool {
		xs, ok := x.([]any)
		if !ok {
			return false
		}
		ss := make([]string, 0, len(xs))
		for _, x := range xs {
			s, ok := x.(string)
			if !ok {
				return false
			}
			ss = append(ss, s)
		}
		*p = ss
		return true
	}
}

// go-toml decodes integers as int64, yaml.v3 as int or uint64.

func setInt(p **int) func(any) bool {
	return func(x any) bool {
		var n int
		switch x := x.(type) {
		case int:
			n = x
		case int64:
			n = int(x)
		case uint64:
			if x > math.MaxInt {
				return false
			}
			n = int(x)
		case float64:
			if x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
				return false
			}
			n = int(x)
		default:
			return false
		}
		*p = &n
		return true
	}
}

func setFloat(p **float64) func(any) bool {
	return func(x any) bool {
		var f float64
		switch x := x.(type) {
		case float64:
			f = x
		case int:
			f = float64(x)
		case int64:
			f = float64(x)
		case uint64:
			f = float64(x)
		default:
			return false
		}
		*p = &f
		return true
	}
}

type resolver struct {
	log *zap.Logger
}

func (r resolver) invalid(key string, v any, def any) {
	r.log.Warn("invalid configuration value, using default",
		zap.String("key", key), zap.Any("value", v), zap.Any("default", def))
}

func (r resolver) floatValue(key string, v *float64, def float64, ok func(float64) bool) float64 {
	if v == nil {
		return def
	}
	if !floats.IsFinite(*v) || !ok(*v) {
		r.invalid(key, *v, def)
		return def
	}
	return *v
}

func (r resolver) intValue(key string, v *int, def int, ok func(int) bool) int {
	if v == nil {
		return def
	}
	if !ok(*v) {
		r.invalid(key, *v, def)
		return def
	}
	return *v
}

func (r resolver) choice(key string, v string, def string, choices ...string) string {
	if v == "" {
		return def
	}
	if !slices.Contains(choices, v) {
		r.invalid(key, v, def)
		return def
	}
	return v
}

func positive(x float64) bool { return x > 0 }

func nonNegative(x float64) bool { return x >= 0 }

func unitInterval(x float64) bool { return 0 < x && x < 1 }

func atLeastOne(n int) bool { return n >= 1 }

func seconds(x float64) time.Duration {
	return timemath.Duration(x)
}

// Resolve applies defaults and validation to a decoded file.
func Resolve(log *zap.Logger, f File) (Config, error) {
	r := resolver{log: log}
	var cfg Config

	port := r.intValue("ntp_port", f.NTPPort, 123, func(n int) bool { return 0 < n && n <= math.MaxUint16 })
	servers := f.NTPServers
	if len(servers) == 0 {
		servers = DefaultServers
	}
	for _, s := range servers {
		hp, err := ServerAddress(s, port)
		if err != nil {
			r.invalid("ntp_servers", s, nil)
			continue
		}
		if !slices.Contains(cfg.Servers, hp) {
			cfg.Servers = append(cfg.Servers, hp)
		}
	}
	if len(cfg.Servers) == 0 {
		return Config{}, ErrNoServers
	}

	if f.LocalAddr != "" {
		a, err := localAddress(f.LocalAddr)
		if err != nil {
			r.invalid("local_address", f.LocalAddr, "")
		} else {
			cfg.LocalAddr = a
		}
	}
	cfg.Transport = r.choice("transport", f.Transport, TransportNative, TransportNative, TransportBeevik)

	cfg.TargetPrecision = r.floatValue("target_precision", f.TargetPrecision, 0.03, positive)
	minPoll := r.floatValue("min_poll_interval", f.MinPollInterval, 16, positive)
	maxPoll := r.floatValue("max_poll_interval", f.MaxPollInterval, 1024, positive)
	if minPoll > maxPoll {
		r.invalid("max_poll_interval", maxPoll, 1024)
		minPoll, maxPoll = 16, 1024
	}
	cfg.MinPollInterval = seconds(minPoll)
	cfg.MaxPollInterval = seconds(maxPoll)
	cfg.PollGrowth = r.floatValue("poll_growth", f.PollGrowth, 2, func(x float64) bool { return x > 1 })
	cfg.PollShrink = r.floatValue("poll_shrink", f.PollShrink, 0.5, unitInterval)
	cfg.ExchangeTimeout = seconds(r.floatValue("exchange_timeout", f.ExchangeTimeout, 3, positive))
	cfg.ServersPerBurst = r.intValue("servers_per_burst", f.ServersPerBurst, 2, atLeastOne)
	cfg.ProbesPerServer = r.intValue("probes_per_server", f.ProbesPerServer, 1, atLeastOne)
	cfg.FailureThreshold = r.intValue("failure_threshold", f.FailureThreshold, 3, atLeastOne)
	cfg.FailureCooldown = seconds(r.floatValue("failure_cooldown", f.FailureCooldown, 300, nonNegative))
	cfg.DelaySmoothing = r.floatValue("delay_smoothing", f.DelaySmoothing, 0.2, unitInterval)

	cfg.HistoryLength = r.intValue("history_length", f.HistoryLength, 16, func(n int) bool { return n >= 3 })
	cfg.OutlierThreshold = r.floatValue("outlier_threshold", f.OutlierThreshold, 5, positive)
	cfg.MinOutlierSpread = r.floatValue("min_outlier_spread", f.MinOutlierSpread, 0.001, positive)
	cfg.MaxDelay = seconds(r.floatValue("max_delay", f.MaxDelay, 1, positive))

	cfg.InitialOffsetStdDev = r.floatValue("initial_offset_stddev", f.InitialOffsetStdDev, 1, positive)
	cfg.InitialDriftStdDev = r.floatValue("initial_drift_stddev", f.InitialDriftStdDev, 1e-4, positive)
	cfg.OffsetProcessNoise = r.floatValue("offset_process_noise", f.OffsetProcessNoise, 1e-8, nonNegative)
	cfg.DriftProcessNoise = r.floatValue("drift_process_noise", f.DriftProcessNoise, 1e-14, nonNegative)
	cfg.DelayNoiseFactor = r.floatValue("delay_noise_factor", f.DelayNoiseFactor, 0.5, nonNegative)
	cfg.MinMeasurementStdDev = r.floatValue("min_measurement_stddev", f.MinMeasurementStdDev, 1e-6, positive)

	cfg.MetricsAddr = f.MetricsAddr
	cfg.Display = r.choice("display", f.Display, DisplayAuto, DisplayAuto, DisplayTUI, DisplayPlain)
	cfg.LogFile = f.LogFile
	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(os.TempDir(), "engclock.log")
	}
	return cfg, nil
}

// ServerAddress normalizes s to host:port, adding defaultPort if s has none.
func ServerAddress(s string, defaultPort int) (string, error) {
	s = strings.TrimSpace(s)
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		port = strconv.Itoa(defaultPort)
	} else {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > math.MaxUint16 {
			return "", fmt.Errorf("invalid port in %q", s)
		}
	}
	if host == "" || strings.ContainsAny(host, " /[]") {
		return "", fmt.Errorf("invalid host in %q", s)
	}
	return net.JoinHostPort(host, port), nil
}

func localAddress(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err == nil {
		return ap, nil
	}
	a, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(s, "["), "]"))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(a, 0), nil
}
