// Package config assembles the crawler's runtime configuration from
// defaults, CLI flags, and environment variable overrides (env wins),
// following the reference implementation's defaults -> file -> env
// override order in spirit, with a pflag-based CLI surface replacing the
// hand-rolled auth.config file format since this program's flags (port
// ranges, human-readable sizes) need real parsing rather than flat
// key=value lines.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"
)

// Config holds the crawler's full runtime configuration.
type Config struct {
	Host string
	// Ports is the set of UDP ports to run one Sybil node on, one node and
	// routing table per port, all sharing one persistence Store.
	Ports []int

	MaxMetadataSize int
	MaxNeighbours   int
	BatchSize       int

	Database string

	Debug         bool
	Stats         bool
	StatsInterval int
	StatsAddr     string

	Memcache     string
	HeatMemcache bool
}

// Load parses CLI flags from args, then applies environment variable
// overrides (NODE_HOST, NODE_PORT, DATABASE).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("kadcrawld", flag.ContinueOnError)

	host := fs.String("host", "0.0.0.0", "address to bind DHT sockets on")
	port := fs.String("port", "6881", "UDP port, list (1,2,3), or range (6881-6890)")
	maxMetadataSize := fs.String("max-metadata-size", "10 MiB", "reject metadata larger than this")
	maxNeighbours := fs.Int("max-neighbours", 2000, "routing table capacity per node")
	batchSize := fs.Int("batch-size", 10, "persistence commit batch size")
	database := fs.String("database", "postgres://localhost/kadcrawl?sslmode=disable", "Postgres database URL")
	debug := fs.Bool("debug", false, "enable debug logging")
	stats := fs.Bool("stats", false, "log periodic crawl statistics")
	statsInterval := fs.Int("stats-interval", 3600, "seconds between stats log lines")
	statsAddr := fs.String("stats-addr", "127.0.0.1:0", "address for the read-only stats/health HTTP endpoint")
	memcache := fs.String("memcache", "", "host:port of an optional external membership cache")
	heatMemcache := fs.Bool("heat-memcache", false, "push all known infohashes into --memcache, then exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	ports, err := parsePorts(*port)
	if err != nil {
		return nil, fmt.Errorf("config: --port: %w", err)
	}
	metadataSize, err := humanize.ParseBytes(*maxMetadataSize)
	if err != nil {
		return nil, fmt.Errorf("config: --max-metadata-size: %w", err)
	}

	cfg := &Config{
		Host:            *host,
		Ports:           ports,
		MaxMetadataSize: int(metadataSize),
		MaxNeighbours:   *maxNeighbours,
		BatchSize:       *batchSize,
		Database:        *database,
		Debug:           *debug,
		Stats:           *stats,
		StatsInterval:   *statsInterval,
		StatsAddr:       *statsAddr,
		Memcache:        *memcache,
		HeatMemcache:    *heatMemcache,
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides with NODE_HOST / NODE_PORT / DATABASE; environment
// variables mirror the corresponding CLI flags.
func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("NODE_PORT"); v != "" {
		if ports, err := parsePorts(v); err == nil {
			c.Ports = ports
		}
	}
	if v := os.Getenv("DATABASE"); v != "" {
		c.Database = v
	}
}

// parsePorts accepts "6881", "6881,6882,6883", or "6881-6890", matching the
// original crawler's parse_port.
func parsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid range %q", spec)
		}
		lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, err
		}
		hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("invalid range %q", spec)
		}
		out := make([]int, 0, hi-lo+1)
		for p := lo; p <= hi; p++ {
			out = append(out, p)
		}
		return out, nil
	}
	if strings.Contains(spec, ",") {
		var out []int
		for _, piece := range strings.Split(spec, ",") {
			p, err := strconv.Atoi(strings.TrimSpace(piece))
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	}
	p, err := strconv.Atoi(spec)
	if err != nil {
		return nil, err
	}
	return []int{p}, nil
}

// IsPostgres reports whether Database names a Postgres DSN. The --database
// flag accepts the original crawler's sqlite:// URL syntax too, but only a
// Postgres backend is actually implemented, so callers use this to fail
// fast with a clear error instead of handing an unsupported DSN to the
// Postgres driver.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.Database, "postgres://") || strings.HasPrefix(c.Database, "postgresql://")
}
