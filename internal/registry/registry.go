// Package registry holds the configured recorders, traders and broker accounts.
//
// Definitions are loaded from the config file at boot and only replaced
// wholesale on Reload; lookups take the read lock and return shared pointers
// that callers must treat as read-only.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"jet_trader/internal/config"
	"jet_trader/internal/core"

	"github.com/shopspring/decimal"
)

type Registry struct {
	mu        sync.RWMutex
	recorders map[string]*core.Recorder
	byToken   map[string]*core.Recorder
	traders   map[string][]*core.Trader
	byTrader  map[string]*core.Trader
	accounts  map[int64]*core.BrokerAccount
	brokers   map[core.Environment]core.IBroker
	logger    core.ILogger
}

// New builds a registry from validated configuration.
func New(cfg *config.Config, logger core.ILogger) (*Registry, error) {
	r := &Registry{
		brokers: make(map[core.Environment]core.IBroker),
		logger:  logger.WithField("component", "registry"),
	}
	if err := r.load(cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load(cfg *config.Config) error {
	recorders := make(map[string]*core.Recorder, len(cfg.Recorders))
	byToken := make(map[string]*core.Recorder, len(cfg.Recorders))
	traders := make(map[string][]*core.Trader, len(cfg.Traders))
	byTrader := make(map[string]*core.Trader, len(cfg.Traders))
	accounts := make(map[int64]*core.BrokerAccount, len(cfg.Accounts))

	for i := range cfg.Accounts {
		a := accountFromConfig(&cfg.Accounts[i])
		accounts[a.ID] = a
	}

	for i := range cfg.Recorders {
		rec, err := recorderFromConfig(&cfg.Recorders[i])
		if err != nil {
			return err
		}
		recorders[rec.ID] = rec
		byToken[rec.WebhookToken] = rec
	}

	for i := range cfg.Traders {
		t := traderFromConfig(&cfg.Traders[i])
		traders[t.RecorderID] = append(traders[t.RecorderID], t)
		byTrader[t.ID] = t
	}
	// Stable fan-out order.
	for _, list := range traders {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}

	r.mu.Lock()
	r.recorders = recorders
	r.byToken = byToken
	r.traders = traders
	r.byTrader = byTrader
	r.accounts = accounts
	r.mu.Unlock()

	r.logger.Info("Registry loaded",
		"recorders", len(recorders),
		"traders", len(cfg.Traders),
		"accounts", len(accounts))
	return nil
}

// Reload replaces all definitions from a freshly validated config.
func (r *Registry) Reload(cfg *config.Config) error {
	return r.load(cfg)
}

// RegisterBroker installs the client for one environment. Called once per
// environment during wiring, before any lookups run.
func (r *Registry) RegisterBroker(env core.Environment, b core.IBroker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers[env] = b
}

// RecorderByToken resolves a webhook token. Disabled recorders still resolve
// so intake can reject them with a reason instead of a 404.
func (r *Registry) RecorderByToken(token string) (*core.Recorder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byToken[token]
	return rec, ok
}

func (r *Registry) Recorder(id string) (*core.Recorder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recorders[id]
	return rec, ok
}

// TradersFor returns the enabled traders subscribed to a recorder.
func (r *Registry) TradersFor(recorderID string) []*core.Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.traders[recorderID]
	out := make([]*core.Trader, 0, len(all))
	for _, t := range all {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// Trader resolves a trader by ID regardless of enabled state. Exit paths
// must still find traders that were disabled after opening a position.
func (r *Registry) Trader(id string) (*core.Trader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byTrader[id]
	return t, ok
}

func (r *Registry) Account(id int64) (*core.BrokerAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	return a, ok
}

// Accounts returns all configured accounts in ID order.
func (r *Registry) Accounts() []*core.BrokerAccount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.BrokerAccount, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) BrokerFor(env core.Environment) (core.IBroker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[env]
	return b, ok
}

func accountFromConfig(c *config.AccountConfig) *core.BrokerAccount {
	return &core.BrokerAccount{
		ID:          c.ID,
		Name:        c.Name,
		Environment: core.Environment(c.Environment),
		Username:    c.Username,
		Password:    c.Password.Reveal(),
		AppID:       c.AppID,
		AppVersion:  c.AppVersion,
		CID:         c.CID,
		Secret:      c.Secret.Reveal(),
	}
}

func recorderFromConfig(c *config.RecorderConfig) (*core.Recorder, error) {
	windows := make([]core.TimeWindow, 0, len(c.Filters.Windows))
	for _, w := range c.Filters.Windows {
		days, err := parseDays(w.Days)
		if err != nil {
			return nil, fmt.Errorf("recorder %s: %w", c.ID, err)
		}
		windows = append(windows, core.TimeWindow{
			Start:    w.Start,
			End:      w.End,
			Timezone: w.Timezone,
			Days:     days,
		})
	}

	return &core.Recorder{
		ID:           c.ID,
		Name:         c.Name,
		WebhookToken: c.WebhookToken.Reveal(),
		Ticker:       c.Ticker,
		StrategyID:   c.StrategyID,
		BaseQty:      c.BaseQty,
		AddQty:       c.AddQty,
		TPTicks:      c.TPTicks,
		SLTicks:      c.SLTicks,
		SLEnabled:    c.SLEnabled,
		Enabled:      c.Enabled,
		Filters: core.FilterConfig{
			Direction:      c.Filters.Direction,
			Windows:        windows,
			CooldownSec:    c.Filters.CooldownSec,
			MaxPerSession:  c.Filters.MaxPerSession,
			MaxDailyLossUS: decimal.NewFromFloat(c.Filters.MaxDailyLossUSD),
			MaxContracts:   c.Filters.MaxContracts,
			DelayN:         c.Filters.DelayN,
		},
	}, nil
}

func traderFromConfig(c *config.TraderConfig) *core.Trader {
	return &core.Trader{
		ID:         c.ID,
		RecorderID: c.RecorderID,
		AccountID:  c.AccountID,
		Enabled:    c.Enabled,
		BaseQty:    c.BaseQty,
		AddQty:     c.AddQty,
		TPTicks:    c.TPTicks,
		SLTicks:    c.SLTicks,
		SLMode:     core.SLMode(c.SLMode),
		MaxQty:     c.MaxQty,
	}
}

var dayNames = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func parseDays(names []string) ([]time.Weekday, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		d, ok := dayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown day name %q", n)
		}
		out = append(out, d)
	}
	return out, nil
}

var _ core.IRegistry = (*Registry)(nil)
