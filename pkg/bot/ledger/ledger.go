package ledger

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

// PriceTable converts raw metrics into money. Costs are always derived at
// read time; only metrics are stored.
type PriceTable struct {
	TokenPer1K          float64
	TranscriptionPerMin float64
	TTSPer1KChars       float64
	Image               float64
}

// Metrics is one period's accumulated consumption for one identity.
type Metrics struct {
	Tokens               int64
	TranscriptionSeconds float64
	TTSCharacters        int64
	Images               int64
}

func (m Metrics) add(o Metrics) Metrics {
	m.Tokens += o.Tokens
	m.TranscriptionSeconds += o.TranscriptionSeconds
	m.TTSCharacters += o.TTSCharacters
	m.Images += o.Images
	return m
}

// Cost prices a metrics bundle.
func (m Metrics) Cost(p PriceTable) float64 {
	return float64(m.Tokens)/1000*p.TokenPer1K +
		m.TranscriptionSeconds/60*p.TranscriptionPerMin +
		float64(m.TTSCharacters)/1000*p.TTSPer1KChars +
		float64(m.Images)*p.Image
}

type Cost struct {
	Today float64
	Month float64
}

type Config struct {
	Prices PriceTable

	// Allowed reports whether the identity is on the allow-list. Usage of
	// identities that are not is additionally mirrored into the shared
	// guest entry.
	Allowed func(core.UserID) bool

	// BudgetFor returns the configured ceiling for the active period;
	// 0 means no ceiling.
	BudgetFor func(core.UserID) float64

	Period string // "daily" or "monthly"

	// Store, when non-nil, receives every record append and seeds the
	// current period's aggregates at startup. Store failures degrade to
	// memory-only accounting.
	Store Store

	Logger *slog.Logger

	// Now is the wall clock; test seam.
	Now func() time.Time
}

// Ledger is shared process-wide state with concurrent writers across chats.
// Entries are keyed lazily by calendar day and month; a record landing after
// midnight starts a fresh entry and never mutates the closed one.
type Ledger struct {
	cfg Config

	mu     sync.Mutex
	days   map[core.UserID]map[string]Metrics
	months map[core.UserID]map[string]Metrics
}

func New(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	l := &Ledger{
		cfg:    cfg,
		days:   make(map[core.UserID]map[string]Metrics),
		months: make(map[core.UserID]map[string]Metrics),
	}
	if cfg.Store != nil {
		day, month := l.periodKeys()
		days, months, err := cfg.Store.LoadCurrent(day, month)
		if err != nil {
			cfg.Logger.Warn("ledger store load failed, starting empty", "error", err)
		} else {
			for u, m := range days {
				l.days[u] = map[string]Metrics{day: m}
			}
			for u, m := range months {
				l.months[u] = map[string]Metrics{month: m}
			}
		}
	}
	return l
}

func (l *Ledger) RecordTokens(user core.UserID, count int64) {
	l.record(user, Metrics{Tokens: count})
}

func (l *Ledger) RecordTranscription(user core.UserID, seconds float64) {
	l.record(user, Metrics{TranscriptionSeconds: seconds})
}

func (l *Ledger) RecordSynthesis(user core.UserID, characters int64) {
	l.record(user, Metrics{TTSCharacters: characters})
}

func (l *Ledger) RecordImage(user core.UserID) {
	l.record(user, Metrics{Images: 1})
}

// record applies delta to user's current day and month entries, mirroring
// guests into the shared entry. It never returns an error: a failed store
// append is logged and the reply path carries on with "usage not recorded"
// durability only.
func (l *Ledger) record(user core.UserID, delta Metrics) {
	day, month := l.periodKeys()

	l.mu.Lock()
	l.apply(user, day, month, delta)
	guest := l.cfg.Allowed != nil && !l.cfg.Allowed(user) && user != core.GuestKey
	if guest {
		l.apply(core.GuestKey, day, month, delta)
	}
	l.mu.Unlock()

	if l.cfg.Store != nil {
		rec := Record{User: user, Day: day, Month: month, Delta: delta, At: l.cfg.Now()}
		if err := l.cfg.Store.Append(rec); err != nil {
			l.cfg.Logger.Warn("ledger store append failed", "user_id", int64(user), "error", err)
		}
	}
}

func (l *Ledger) apply(user core.UserID, day, month string, delta Metrics) {
	du := l.days[user]
	if du == nil {
		du = make(map[string]Metrics)
		l.days[user] = du
	}
	du[day] = du[day].add(delta)

	mu := l.months[user]
	if mu == nil {
		mu = make(map[string]Metrics)
		l.months[user] = mu
	}
	mu[month] = mu[month].add(delta)
}

// CurrentMetrics returns the live day and month entries for user.
func (l *Ledger) CurrentMetrics(user core.UserID) (today, month Metrics) {
	day, mon := l.periodKeys()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.days[user][day], l.months[user][mon]
}

// CurrentCost prices the live day and month entries.
func (l *Ledger) CurrentCost(user core.UserID) Cost {
	today, month := l.CurrentMetrics(user)
	return Cost{
		Today: today.Cost(l.cfg.Prices),
		Month: month.Cost(l.cfg.Prices),
	}
}

// RemainingBudget returns ceiling minus cost-to-date for the configured
// period, or +Inf when no ceiling is configured.
func (l *Ledger) RemainingBudget(user core.UserID) float64 {
	ceiling := 0.0
	if l.cfg.BudgetFor != nil {
		ceiling = l.cfg.BudgetFor(user)
	}
	if ceiling <= 0 {
		return math.Inf(1)
	}
	cost := l.CurrentCost(user)
	spent := cost.Month
	if l.cfg.Period == "daily" {
		spent = cost.Today
	}
	return ceiling - spent
}

func (l *Ledger) periodKeys() (day, month string) {
	now := l.cfg.Now()
	return now.Format("2006-01-02"), now.Format("2006-01")
}
