package nestjarserve

import (
	"fmt"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config holds all runtime configuration for nestjar-serve.
type Config struct {
	// ClassPath elements are expanded into their nested archives unless their
	// manifest declares an agent. ForceClassPath elements are always expanded.
	ClassPath      []string
	ForceClassPath []string
	ArchiveSuffix  string

	ClassPathRefreshInterval time.Duration

	SpillThreshold     int64
	SpillDir           string
	MaxConcurrentLoads int
	EntryCacheMaxBytes int64

	ListenAddr            string
	HTTPReadHeaderTimeout time.Duration
	HTTPIdleTimeout       time.Duration
	HTTPMaxHeaderBytes    int
	HTTPWriteTimeout      time.Duration
	HTTPReadTimeout       time.Duration

	HTTPTrustedSources []netip.Prefix
}

type envLookup func(key string) (string, bool)

// LoadConfig loads configuration from environment variables.
//
// For testing, use parseConfigFromMap instead to provide explicit test values
// without relying on environment variables.
//
// All configuration values have defaults; an error is returned only for values
// that are set but invalid.
func LoadConfig() (Config, error) {
	return parseConfigFromLookup(os.LookupEnv)
}

func parseConfigFromMap(env map[string]string) (Config, error) {
	return parseConfigFromLookup(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
}

func parseConfigFromLookup(lookup envLookup) (Config, error) {
	cfg := Config{
		ArchiveSuffix:            ".jar",
		ClassPathRefreshInterval: 1 * time.Minute,
		SpillThreshold:           64 << 20,
		MaxConcurrentLoads:       64,
		EntryCacheMaxBytes:       64 << 20,
		ListenAddr:               ":8080",
		HTTPReadHeaderTimeout:    5 * time.Second,
		HTTPIdleTimeout:          60 * time.Second,
		HTTPMaxHeaderBytes:       8192,
	}

	if v, ok := lookup("NESTJAR_CLASS_PATH"); ok {
		cfg.ClassPath = splitClassPath(v)
	}
	if v, ok := lookup("NESTJAR_FORCE_CLASS_PATH"); ok {
		cfg.ForceClassPath = splitClassPath(v)
	}

	if v, ok := lookup("NESTJAR_ARCHIVE_SUFFIX"); ok {
		if v == "" || strings.ContainsAny(v, "/"+string(os.PathListSeparator)) {
			return Config{}, fmt.Errorf("NESTJAR_ARCHIVE_SUFFIX: invalid suffix %q", v)
		}
		cfg.ArchiveSuffix = v
	}

	if v, ok := lookup("NESTJAR_CLASS_PATH_REFRESH_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_CLASS_PATH_REFRESH_INTERVAL: %w", err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("NESTJAR_CLASS_PATH_REFRESH_INTERVAL: must be >= 0")
		}
		cfg.ClassPathRefreshInterval = d
	}

	if v, ok := lookup("NESTJAR_SPILL_THRESHOLD"); ok && v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_SPILL_THRESHOLD: %w", err)
		}
		cfg.SpillThreshold = n
	}

	if v, ok := lookup("NESTJAR_SPILL_DIR"); ok && v != "" {
		if !filepath.IsAbs(v) {
			return Config{}, fmt.Errorf("NESTJAR_SPILL_DIR: %q is not an absolute path", v)
		}
		cfg.SpillDir = v
	}

	if v, ok := lookup("NESTJAR_MAX_CONCURRENT_LOADS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_MAX_CONCURRENT_LOADS: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("NESTJAR_MAX_CONCURRENT_LOADS: must be > 0")
		}
		cfg.MaxConcurrentLoads = n
	}

	if v, ok := lookup("NESTJAR_ENTRY_CACHE_MAX_BYTES"); ok && v != "" {
		n, err := parseByteSize(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_ENTRY_CACHE_MAX_BYTES: %w", err)
		}
		cfg.EntryCacheMaxBytes = n
	}

	if v, ok := lookup("NESTJAR_LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}

	timeouts := []struct {
		key string
		dst *time.Duration
	}{
		{"NESTJAR_HTTP_READ_HEADER_TIMEOUT", &cfg.HTTPReadHeaderTimeout},
		{"NESTJAR_HTTP_IDLE_TIMEOUT", &cfg.HTTPIdleTimeout},
		{"NESTJAR_HTTP_WRITE_TIMEOUT", &cfg.HTTPWriteTimeout},
		{"NESTJAR_HTTP_READ_TIMEOUT", &cfg.HTTPReadTimeout},
	}
	for _, t := range timeouts {
		v, ok := lookup(t.key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", t.key, err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("%s: must be >= 0", t.key)
		}
		*t.dst = d
	}

	if v, ok := lookup("NESTJAR_HTTP_MAX_HEADER_BYTES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_HTTP_MAX_HEADER_BYTES: %w", err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("NESTJAR_HTTP_MAX_HEADER_BYTES: must be > 0")
		}
		cfg.HTTPMaxHeaderBytes = n
	}

	if v, ok := lookup("NESTJAR_HTTP_TRUSTED_SOURCES"); ok {
		ps, err := parseTrustedSourcesCSV(v)
		if err != nil {
			return Config{}, fmt.Errorf("NESTJAR_HTTP_TRUSTED_SOURCES: %w", err)
		}
		cfg.HTTPTrustedSources = ps
	}

	return cfg, nil
}

// splitClassPath splits a class path on the platform list separator, dropping
// empty elements.
func splitClassPath(v string) []string {
	var out []string
	for _, elem := range filepath.SplitList(v) {
		if elem = strings.TrimSpace(elem); elem != "" {
			out = append(out, elem)
		}
	}
	return out
}

// parseByteSize accepts plain byte counts and humanized sizes such as "64MiB"
// or "1.5 GB". Zero is allowed and disables the feature it configures.
func parseByteSize(v string) (int64, error) {
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", v, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q overflows", v)
	}
	return int64(n), nil
}

func parseTrustedSourcesCSV(csv string) ([]netip.Prefix, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}

	parts := strings.Split(csv, ",")
	out := make([]netip.Prefix, 0, len(parts))
	for _, raw := range parts {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}

		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
			}
			out = append(out, p)
			continue
		}

		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid IP %q: %w", s, err)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}

	return out, nil
}
