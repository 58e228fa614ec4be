// Package config groups the externally tunable options (spec §6) and loads
// them from YAML, following the teacher's grouped-config-struct convention
// (sim/config.go) and its gopkg.in/yaml.v3 file-loading pattern
// (sim/workload/spec.go, cmd/default_config.go).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/paged-kv/inference-core/internal/block"
	"github.com/paged-kv/inference-core/internal/migration"
	"github.com/paged-kv/inference-core/internal/scheduler"
)

// Role mirrors scheduler.Role for YAML-friendly string serialization.
type Role string

const (
	RoleHybrid  Role = "hybrid"
	RolePrefill Role = "prefill"
	RoleDecode  Role = "decode"
)

func (r Role) toScheduler() scheduler.Role {
	switch r {
	case RolePrefill:
		return scheduler.Prefill
	case RoleDecode:
		return scheduler.Decode
	default:
		return scheduler.Hybrid
	}
}

// Config is the top-level engine configuration (spec §6).
type Config struct {
	MaxBatches                int64           `yaml:"max_batches"`
	MaxSessionLen             int             `yaml:"max_session_len"`
	PrefillInterval           int             `yaml:"prefill_interval"`
	BlockSize                 int             `yaml:"block_size"`
	NumGPUBlocks              int             `yaml:"num_gpu_blocks"`
	NumCPUBlocks              int             `yaml:"num_cpu_blocks"`
	CacheMaxEntryCount        float64         `yaml:"cache_max_entry_count"`
	MaxPrefillTokenNum        int             `yaml:"max_prefill_token_num"`
	EnablePrefixCaching       bool            `yaml:"enable_prefix_caching"`
	QuantPolicy               int             `yaml:"quant_policy"` // {0, 4, 8}
	Role                      Role            `yaml:"role"`
	MigrationBackend          string          `yaml:"migration_backend"` // DLSlime, Mooncake, NIXL, ...
	DP                        int             `yaml:"dp"`
	TP                        int             `yaml:"tp"`
	EP                        int             `yaml:"ep"`
	MailboxCapacity           int             `yaml:"mailbox_capacity"`
	Prealloc                  int             `yaml:"prealloc"`
}

// Default returns a Config with teacher-style sane defaults: a 512-block
// device pool, hybrid role, prefix caching off until opted in.
func Default() Config {
	return Config{
		MaxBatches:         32,
		MaxSessionLen:      8192,
		PrefillInterval:    16,
		BlockSize:          16,
		NumGPUBlocks:       512,
		NumCPUBlocks:       0,
		CacheMaxEntryCount: 0.9,
		MaxPrefillTokenNum: 8192,
		Role:               RoleHybrid,
		MigrationBackend:   string(migration.DLSlime),
		DP:                 1,
		TP:                 1,
		EP:                 1,
		MailboxCapacity:    256,
		Prealloc:           2,
	}
}

// Load reads a YAML config file, starting from Default() so unset fields
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the enumerated-option constraints from spec §6.
func (c Config) Validate() error {
	if c.QuantPolicy != 0 && c.QuantPolicy != 4 && c.QuantPolicy != 8 {
		return fmt.Errorf("config: quant_policy must be one of {0,4,8}, got %d", c.QuantPolicy)
	}
	if c.CacheMaxEntryCount <= 0 || c.CacheMaxEntryCount > 1 {
		return fmt.Errorf("config: cache_max_entry_count must be in (0,1], got %f", c.CacheMaxEntryCount)
	}
	if c.Role != RoleHybrid && c.Role != RolePrefill && c.Role != RoleDecode {
		return fmt.Errorf("config: unknown role %q", c.Role)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be > 0")
	}
	return nil
}

// BlockManagerConfig projects the block-pool-relevant fields.
func (c Config) BlockManagerConfig() block.Config {
	return block.Config{
		NumGPUBlocks:        c.NumGPUBlocks,
		NumCPUBlocks:        c.NumCPUBlocks,
		BlockSizeTokens:     c.BlockSize,
		EnablePrefixCaching: c.EnablePrefixCaching,
	}
}

// SchedulerConfig projects the scheduler-relevant fields.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxBatches:         c.MaxBatches,
		MaxSessionLen:      c.MaxSessionLen,
		PrefillInterval:    c.PrefillInterval,
		BlockSizeTokens:    c.BlockSize,
		MaxPrefillTokenNum: c.MaxPrefillTokenNum,
		Role:               c.Role.toScheduler(),
	}
}
