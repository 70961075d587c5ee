package registry

import (
	"fmt"
	"os"

	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// SeedFile is the on-disk list of records loaded at startup
type SeedFile struct {
	Endpoints           []types.ModelRunnerEndpoint `yaml:"endpoints"`
	VirtualModelRunners []types.VirtualModelRunner  `yaml:"virtual_model_runners"`
}

// ParseSeed decodes a seed document
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// LoadSeedFile reads path and upserts its endpoints, then its VMRs. Seeded records are
// not published; every replica loads the same file.
func (r *Registry) LoadSeedFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	seed, err := ParseSeed(data)
	if err != nil {
		return err
	}
	if err := r.LoadSeed(seed); err != nil {
		return fmt.Errorf("seed file %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Int("endpoints", len(seed.Endpoints)).
		Int("vmrs", len(seed.VirtualModelRunners)).
		Msg("Loaded seed file")
	return nil
}

// LoadSeed upserts the seed's records
func (r *Registry) LoadSeed(seed *SeedFile) error {
	for i := range seed.Endpoints {
		if _, err := r.putEndpoint(seed.Endpoints[i], true, true); err != nil {
			return fmt.Errorf("endpoint %q: %w", seed.Endpoints[i].Name, err)
		}
	}
	for i := range seed.VirtualModelRunners {
		if _, err := r.putVmr(seed.VirtualModelRunners[i], true, true); err != nil {
			return fmt.Errorf("virtual model runner %q: %w", seed.VirtualModelRunners[i].Name, err)
		}
	}
	return nil
}
