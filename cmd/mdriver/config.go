package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/vkngwrapper/arsenal/memheap"
	"github.com/vkngwrapper/arsenal/memheap/allocator"
	"github.com/vkngwrapper/arsenal/memheap/region"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count that can be written as a plain integer or with a unit, such as
// "4096", "64KiB" or "20 MB"
type ByteSize int

func (s ByteSize) String() string {
	return humanize.IBytes(uint64(s))
}

func (s *ByteSize) Set(value string) error {
	parsed, err := humanize.ParseBytes(value)
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", value)
	}
	if parsed > uint64(maxByteSize) {
		return errors.Newf("byte size %q is too large", value)
	}

	*s = ByteSize(parsed)
	return nil
}

func (s *ByteSize) Type() string {
	return "bytes"
}

func (s *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Newf("line %d: expected a byte size", node.Line)
	}
	return s.Set(node.Value)
}

const maxByteSize = 1 << 40

// DefaultHeapLimit is the largest the simulated heap may grow when no limit is configured
const DefaultHeapLimit ByteSize = 20 << 20

// Config controls how traces are replayed. It may be loaded from a yaml file, and any
// command-line flag that is set overrides the matching field.
type Config struct {
	// Limit is the largest size the simulated heap region may grow to
	Limit ByteSize `yaml:"limit"`
	// Granularity is the unit the region rounds every growth up to. Zero selects the
	// region's default.
	Granularity ByteSize `yaml:"granularity"`
	// ChunkSize is the minimum amount the allocator grows the heap by. Zero selects
	// the allocator's default.
	ChunkSize ByteSize `yaml:"chunk_size"`
	// InitialSize is the size of the heap right after initialization. Zero selects the
	// chunk size.
	InitialSize ByteSize `yaml:"initial_size"`
	// Check validates the whole heap after every op
	Check bool `yaml:"check"`
	// Verbose logs heap growth and a summary of every heap check
	Verbose bool `yaml:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		Limit: DefaultHeapLimit,
	}
}

// LoadConfig reads a yaml config file on top of the defaults
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	file, err := os.Open(path)
	if err != nil {
		return config, errors.Wrapf(err, "failed to open config %s", path)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return config, errors.Wrapf(err, "failed to decode config %s", path)
	}

	return config, config.Validate()
}

func (c Config) Validate() error {
	if c.Limit <= 0 {
		return errors.Newf("limit must be positive, but is %d", c.Limit)
	}
	if c.Granularity != 0 {
		err := memheap.CheckPow2(int(c.Granularity), "granularity")
		if err != nil {
			return err
		}
	}
	if c.RegionLimit() == 0 {
		return errors.Newf("limit %s is smaller than the region granularity", c.Limit)
	}

	return nil
}

// RegionLimit is the configured limit capped at allocator.MaxHeapSize and rounded down to the
// region granularity, since a region's limit must be a whole number of growth units.
// Decimal sizes such as "20 MB" rarely are.
func (c Config) RegionLimit() int {
	granularity := int(c.Granularity)
	if granularity == 0 {
		granularity = region.DefaultGranularity
	}

	return memheap.AlignDown(min(int(c.Limit), allocator.MaxHeapSize), uint(granularity))
}

func (c Config) CreateOptions() allocator.CreateOptions {
	return allocator.CreateOptions{
		ChunkSize:   int(c.ChunkSize),
		InitialSize: int(c.InitialSize),
	}
}
