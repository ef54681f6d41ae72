package memalloc

import (
	"flag"
	"io"
	"math"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/memalloc/memalloc/memutils/metadata"
	"gopkg.in/yaml.v3"
)

// Config is the file and command line form of CreateOptions.
//
// RetainEmptyRegions is taken literally: 0 releases every region as soon as it is empty. This
// differs from CreateOptions.RetainEmptyRegions, where 0 selects DefaultRetainEmptyRegions, so
// CreateOptions translates a 0 into the CreateReleaseEmptyRegions flag.
type Config struct {
	Strategy               string            `yaml:"strategy"`
	RegionMinimumSize      datasize.ByteSize `yaml:"region_minimum_size"`
	MaxRegionSize          datasize.ByteSize `yaml:"max_region_size"`
	MaxHeapSize            datasize.ByteSize `yaml:"max_heap_size"`
	RetainEmptyRegions     int               `yaml:"retain_empty_regions"`
	ExternallySynchronized bool              `yaml:"externally_synchronized"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("", f)
}

// RegisterFlagsWithPrefix adds the flags required to config this to the given FlagSet, with every
// flag name starting with prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	if prefix != "" {
		prefix += "."
	}

	f.StringVar(&cfg.Strategy, prefix+"memalloc.strategy", metadata.StrategyFirstFit.String(), "How a free block is chosen when several could host an allocation: first-fit or best-fit.")
	f.TextVar(&cfg.RegionMinimumSize, prefix+"memalloc.region-minimum-size", datasize.ByteSize(DefaultRegionMinimumSize), "Smallest mapping requested from the operating system.")
	f.TextVar(&cfg.MaxRegionSize, prefix+"memalloc.max-region-size", datasize.ByteSize(0), "Largest mapping requested from the operating system. 0 means no practical limit.")
	f.TextVar(&cfg.MaxHeapSize, prefix+"memalloc.max-heap-size", datasize.ByteSize(0), "Total size of all mappings. 0 means unlimited.")
	f.IntVar(&cfg.RetainEmptyRegions, prefix+"memalloc.retain-empty-regions", DefaultRetainEmptyRegions, "Number of regions without allocations kept mapped for reuse. 0 releases regions as soon as they are empty.")
	f.BoolVar(&cfg.ExternallySynchronized, prefix+"memalloc.externally-synchronized", false, "Skip the internal lock. Only safe when callers never use the allocator concurrently.")
}

// DefaultConfig returns a Config holding the defaults of every flag
func DefaultConfig() Config {
	var cfg Config
	fs := flag.NewFlagSet("", flag.PanicOnError)
	fs.SetOutput(io.Discard)
	cfg.RegisterFlags(fs)
	return cfg
}

// LoadConfig reads a yaml file into a Config. Settings missing from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config file %s", path)
	}

	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	return cfg, cfg.Validate()
}

// Validate checks the settings that CreateOptions cannot represent
func (cfg *Config) Validate() error {
	_, err := metadata.ParseAllocationStrategy(cfg.Strategy)
	if err != nil {
		return err
	}

	for name, size := range map[string]datasize.ByteSize{
		"region_minimum_size": cfg.RegionMinimumSize,
		"max_region_size":     cfg.MaxRegionSize,
		"max_heap_size":       cfg.MaxHeapSize,
	} {
		if size.Bytes() > math.MaxInt {
			return errors.Newf("%s is too large: %s", name, size.HumanReadable())
		}
	}

	if cfg.MaxRegionSize != 0 && cfg.RegionMinimumSize > cfg.MaxRegionSize {
		return errors.Newf("region_minimum_size (%s) is larger than max_region_size (%s)", cfg.RegionMinimumSize.HumanReadable(), cfg.MaxRegionSize.HumanReadable())
	}
	if cfg.RetainEmptyRegions < 0 {
		return errors.Newf("retain_empty_regions is negative: %d", cfg.RetainEmptyRegions)
	}

	return nil
}

// CreateOptions converts the config into options for New
func (cfg *Config) CreateOptions() (CreateOptions, error) {
	err := cfg.Validate()
	if err != nil {
		return CreateOptions{}, err
	}

	strategy, err := metadata.ParseAllocationStrategy(cfg.Strategy)
	if err != nil {
		return CreateOptions{}, err
	}

	options := CreateOptions{
		Strategy:           strategy,
		RegionMinimumSize:  int(cfg.RegionMinimumSize.Bytes()),
		MaxRegionSize:      int(cfg.MaxRegionSize.Bytes()),
		MaxHeapSize:        int(cfg.MaxHeapSize.Bytes()),
		RetainEmptyRegions: cfg.RetainEmptyRegions,
	}

	if cfg.RetainEmptyRegions == 0 {
		options.Flags |= CreateReleaseEmptyRegions
	}
	if cfg.ExternallySynchronized {
		options.Flags |= CreateExternallySynchronized
	}

	return options, nil
}
