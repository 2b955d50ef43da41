// Package config loads arena settings from the environment. A .env file in
// the working directory is read first; real env vars win.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"agent-arena/server/model"
	"agent-arena/server/rating"
	"agent-arena/server/runtime"
	"agent-arena/server/votes"
	"agent-arena/server/wager"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	Port        string `env:"PORT" envDefault:"8080"`
	JWTSecret   string `env:"JWT_SECRET" envDefault:"dev-secret-at-least-32-characters!!"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	// Rating
	RatingK      float64 `env:"RATING_K" envDefault:"32"`
	RatingPolicy string  `env:"RATING_K_POLICY" envDefault:"fixed"`
	RatingFloor  int     `env:"RATING_FLOOR" envDefault:"100"`

	// Wagering
	Rake       string `env:"RAKE" envDefault:"0.05"`
	MinStake   string `env:"MIN_STAKE" envDefault:"1"`
	DrawPolicy string `env:"DRAW_POLICY" envDefault:"refund"`

	// Voting
	VotesPerIP      int           `env:"VOTE_LIMIT" envDefault:"3"`
	VoteWindow      time.Duration `env:"VOTE_LIMIT_WINDOW" envDefault:"60m"`
	VotingWindow    time.Duration `env:"VOTING_WINDOW" envDefault:"10m"`
	VolatileArenas  []string      `env:"VOLATILE_VOTE_ARENAS" envDefault:"debate" envSeparator:","`
	IPHashKey       string        `env:"IP_HASH_KEY" envDefault:"agent-arena-ip-salt"`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES" envSeparator:","`
	DebateRounds    int           `env:"DEBATE_ROUNDS" envDefault:"3"`
	ResponseTimeout time.Duration `env:"RESPONSE_TIMEOUT" envDefault:"45s"`
	MaxTokens       int           `env:"MAX_TOKENS" envDefault:"400"`

	// Chess
	MaxAttempts int           `env:"CHESS_MAX_ATTEMPTS" envDefault:"3"`
	MoveTimeout time.Duration `env:"MOVE_TIMEOUT" envDefault:"40s"`
	MaxPlies    int           `env:"MAX_HALF_MOVES" envDefault:"200"`

	// Matchmaking
	QueueTTL      time.Duration `env:"QUEUE_TTL" envDefault:"1h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	StaleSettling time.Duration `env:"SETTLING_STALE_AFTER" envDefault:"5m"`

	// Elimination
	EliminationThreshold  int `env:"ELIMINATION_THRESHOLD" envDefault:"800"`
	EliminationMinMatches int `env:"ELIMINATION_MIN_MATCHES" envDefault:"10"`

	// Listing
	PageLimit    int `env:"PAGE_LIMIT" envDefault:"20"`
	PageLimitMax int `env:"PAGE_LIMIT_MAX" envDefault:"100"`
}

// Load reads .env (if any) and parses the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	if _, err := decimal.NewFromString(c.Rake); err != nil {
		return fmt.Errorf("RAKE: %w", err)
	}
	if r := c.RakeRate(); r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("RAKE must be in [0,1), got %s", c.Rake)
	}
	if _, err := decimal.NewFromString(c.MinStake); err != nil {
		return fmt.Errorf("MIN_STAKE: %w", err)
	}
	switch wager.DrawPolicy(c.DrawPolicy) {
	case wager.DrawRefund, wager.DrawRake:
	default:
		return fmt.Errorf("DRAW_POLICY must be refund or rake, got %q", c.DrawPolicy)
	}
	switch rating.KPolicy(c.RatingPolicy) {
	case rating.KFixed, rating.KAnneal:
	default:
		return fmt.Errorf("RATING_K_POLICY must be fixed or anneal, got %q", c.RatingPolicy)
	}
	for _, a := range c.VolatileArenas {
		if _, err := model.ParseArena(a); err != nil {
			return fmt.Errorf("VOLATILE_VOTE_ARENAS: %w", err)
		}
	}
	if _, err := c.Proxies(); err != nil {
		return err
	}
	if c.PageLimit <= 0 || c.PageLimitMax < c.PageLimit {
		return fmt.Errorf("PAGE_LIMIT must be positive and at most PAGE_LIMIT_MAX")
	}
	return nil
}

func (c Config) RakeRate() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Rake)
	return d
}

func (c Config) MinStakeAmount() decimal.Decimal {
	d, _ := decimal.NewFromString(c.MinStake)
	return d
}

func (c Config) Calculator() rating.Calculator {
	return rating.New(c.RatingK, rating.KPolicy(c.RatingPolicy), c.RatingFloor)
}

func (c Config) VoteLimits() votes.Limits {
	return votes.Limits{PerIP: c.VotesPerIP, Window: c.VoteWindow}
}

func (c Config) Volatile() []model.ArenaKind {
	out := make([]model.ArenaKind, 0, len(c.VolatileArenas))
	for _, a := range c.VolatileArenas {
		if k, err := model.ParseArena(a); err == nil {
			out = append(out, k)
		}
	}
	return out
}

func (c Config) Runtime() runtime.Config {
	return runtime.Config{
		MaxAttempts:     c.MaxAttempts,
		MoveTimeout:     c.MoveTimeout,
		MaxPlies:        c.MaxPlies,
		MaxTokens:       c.MaxTokens,
		ResponseTimeout: c.ResponseTimeout,
		DebateRounds:    c.DebateRounds,
		VotingWindow:    c.VotingWindow,
	}
}

// Proxies parses TRUSTED_PROXIES. Entries are CIDRs or single addresses.
// Forwarded client addresses are honoured only from these peers.
func (c Config) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: bad entry %q", raw)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// ClampLimit applies the page limit default and maximum.
func (c Config) ClampLimit(n int) int {
	switch {
	case n <= 0:
		return c.PageLimit
	case n > c.PageLimitMax:
		return c.PageLimitMax
	}
	return n
}

func (c Config) String() string {
	return fmt.Sprintf("port=%s k=%.0f/%s rake=%s draw=%s votes=%d/%s volatile=%s",
		c.Port, c.RatingK, c.RatingPolicy, c.Rake, c.DrawPolicy, c.VotesPerIP, c.VoteWindow,
		strings.Join(c.VolatileArenas, ","))
}
