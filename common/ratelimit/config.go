package ratelimit

// TierConfig defines submission limits for one workflow tier
type TierConfig struct {
	Tier          Tier
	Limit         int64
	WindowSeconds int
	Description   string
}

// DefaultTierConfigs maps each tier to its default limits
var DefaultTierConfigs = map[Tier]TierConfig{
	TierShort: {
		Tier:          TierShort,
		Limit:         120,
		WindowSeconds: 60,
		Description:   "Short workflows (up to 5 steps) - 120 submissions/minute",
	},
	TierStandard: {
		Tier:          TierStandard,
		Limit:         30,
		WindowSeconds: 60,
		Description:   "Standard workflows (6-20 steps) - 30 submissions/minute",
	},
	TierLong: {
		Tier:          TierLong,
		Limit:         10,
		WindowSeconds: 60,
		Description:   "Long workflows (over 20 steps) - 10 submissions/minute",
	},
}

// LimitForTier returns the submission limit for a tier, falling back to the
// most restrictive tier for unknown values
func LimitForTier(tier Tier) int64 {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.Limit
	}
	return DefaultTierConfigs[TierLong].Limit
}

// WindowForTier returns the window in seconds for a tier
func WindowForTier(tier Tier) int {
	if config, exists := DefaultTierConfigs[tier]; exists {
		return config.WindowSeconds
	}
	return DefaultTierConfigs[TierLong].WindowSeconds
}

// AllTiers returns the configured tiers for documentation endpoints
func AllTiers() []TierConfig {
	return []TierConfig{
		DefaultTierConfigs[TierShort],
		DefaultTierConfigs[TierStandard],
		DefaultTierConfigs[TierLong],
	}
}
