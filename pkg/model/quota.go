package model

// QuotaPolicy is the per-tier resource limit profile. Pure configuration,
// read-only at request time.
type QuotaPolicy struct {
	MaxEnvironments int   `json:"max_environments" mapstructure:"max_environments"`
	MaxGPUs         int   `json:"max_gpus" mapstructure:"max_gpus"`
	MaxMemoryMB     int64 `json:"max_memory_mb" mapstructure:"max_memory_mb"`
}

// DefaultQuotaPolicies mirrors the platform's shipped tier profiles. Config
// may override any tier.
func DefaultQuotaPolicies() map[QuotaTier]QuotaPolicy {
	return map[QuotaTier]QuotaPolicy{
		TierDefault:    {MaxEnvironments: 2, MaxGPUs: 2, MaxMemoryMB: 32768},
		TierPremium:    {MaxEnvironments: 5, MaxGPUs: 4, MaxMemoryMB: 131072},
		TierEnterprise: {MaxEnvironments: 10, MaxGPUs: 8, MaxMemoryMB: 262144},
	}
}
