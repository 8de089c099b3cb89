package tier

import (
	"context"

	"preo-sim/internal/model"
	"preo-sim/internal/storage"
	"preo-sim/internal/types"
)

const (
	defaultMarketerRate = 0.90
	marketerRateFloor   = 0.50
	marketerRateCeil    = 0.99

	realPrivilegedRate = 0.70
	realStandardRate   = 0.20
	demoPrivilegedRate = 0.90
	demoStandardRate   = 0.80
)

// ResolveWinRate maps (tier, account, config) to a win probability. It is
// deterministic; the settlement engine draws the randomness.
func ResolveWinRate(t types.Tier, account types.Account, cfg model.TierConfig) float64 {
	if t == types.TierMarketer {
		rate := cfg.MarketerDemoWinRate
		if account == types.AccountReal {
			rate = cfg.MarketerRealWinRate
		}
		if rate <= 0 {
			rate = defaultMarketerRate
		}
		return clamp(rate, marketerRateFloor, marketerRateCeil)
	}
	if account == types.AccountReal {
		if t == types.TierPrivileged {
			return realPrivilegedRate
		}
		return realStandardRate
	}
	if t == types.TierPrivileged {
		return demoPrivilegedRate
	}
	return demoStandardRate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Resolver reads the admin-controlled marketer rates from the store.
type Resolver struct {
	store storage.Store
}

func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) WinRate(ctx context.Context, user model.User, account types.Account) (float64, error) {
	cfg := model.TierConfig{}
	if user.Tier == types.TierMarketer {
		loaded, err := r.store.TierConfig(ctx)
		if err != nil {
			return 0, err
		}
		cfg = loaded
	}
	return ResolveWinRate(user.Tier, account, cfg), nil
}

// Clamped normalizes an admin-supplied config the way the resolver will
// read it, so stored values stay inside [0.5, 0.99].
func Clamped(cfg model.TierConfig) model.TierConfig {
	if cfg.MarketerDemoWinRate <= 0 {
		cfg.MarketerDemoWinRate = defaultMarketerRate
	}
	if cfg.MarketerRealWinRate <= 0 {
		cfg.MarketerRealWinRate = defaultMarketerRate
	}
	cfg.MarketerDemoWinRate = clamp(cfg.MarketerDemoWinRate, marketerRateFloor, marketerRateCeil)
	cfg.MarketerRealWinRate = clamp(cfg.MarketerRealWinRate, marketerRateFloor, marketerRateCeil)
	return cfg
}
