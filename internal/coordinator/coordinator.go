package coordinator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hajimari-inc/compass-crawl-api/internal/crawl"
	"github.com/hajimari-inc/compass-crawl-api/internal/events"
	"github.com/hajimari-inc/compass-crawl-api/internal/frontier"
	"github.com/hajimari-inc/compass-crawl-api/internal/transform"
)

// Lease sizing bounds. A zero limit from a client takes the default; above
// the maximum is a validation error rather than a silent clamp.
const (
	DefaultLeaseLimit = 10
	MaxLeaseLimit     = 100
)

// ErrNoProvider signals an operation that needs an external provider
// (search, enrichment) on a deployment that has none configured.
var ErrNoProvider = errors.New("no provider configured")

// Config wires a Coordinator. Store, Normalizer, Hasher, Clock and IDs are
// required. Archive, Searcher and Enricher are optional: a nil Archive
// disables raw payload archival, and a nil Searcher or Enricher turns the
// corresponding operation into ErrNoProvider.
type Config struct {
	Store      crawl.RecordStore
	Rules      map[crawl.Platform]crawl.PlatformRules
	Normalizer *transform.Normalizer
	Frontier   *frontier.Engine
	Archive    crawl.BlobStore
	Searcher   crawl.Searcher
	Enricher   crawl.Enricher
	Events     events.Emitter
	Hasher     crawl.Hasher
	Clock      crawl.Clock
	IDs        crawl.IDGenerator
	Logger     *zap.Logger

	// DefaultLeaseLimit and MaxLeaseLimit override the package defaults
	// when positive.
	DefaultLeaseLimit int
	MaxLeaseLimit     int
}

// Coordinator implements the work-queue protocol: leasing, the
// claim/complete/release state machine, unit creation with seed budgets,
// profile ingest with frontier expansion, and the keyword and seed
// lifecycles.
type Coordinator struct {
	store        crawl.RecordStore
	rules        map[crawl.Platform]crawl.PlatformRules
	normalizer   *transform.Normalizer
	frontier     *frontier.Engine
	archive      crawl.BlobStore
	searcher     crawl.Searcher
	enricher     crawl.Enricher
	events       events.Emitter
	hasher       crawl.Hasher
	clock        crawl.Clock
	ids          crawl.IDGenerator
	logger       *zap.Logger
	defaultLease int
	maxLease     int
}

// New builds a Coordinator from cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: record store is required")
	}
	if cfg.Normalizer == nil {
		return nil, errors.New("coordinator: normalizer is required")
	}
	if cfg.Hasher == nil {
		return nil, errors.New("coordinator: hasher is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("coordinator: clock is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("coordinator: id generator is required")
	}

	rules := cfg.Rules
	if rules == nil {
		rules = crawl.DefaultRules()
	}
	engine := cfg.Frontier
	if engine == nil {
		engine = frontier.New(frontier.Config{Rules: rules})
	}
	emitter := cfg.Events
	if emitter == nil {
		emitter = events.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	defaultLease := cfg.DefaultLeaseLimit
	if defaultLease <= 0 {
		defaultLease = DefaultLeaseLimit
	}
	maxLease := cfg.MaxLeaseLimit
	if maxLease <= 0 {
		maxLease = MaxLeaseLimit
	}

	return &Coordinator{
		store:        cfg.Store,
		rules:        rules,
		normalizer:   cfg.Normalizer,
		frontier:     engine,
		archive:      cfg.Archive,
		searcher:     cfg.Searcher,
		enricher:     cfg.Enricher,
		events:       emitter,
		hasher:       cfg.Hasher,
		clock:        cfg.Clock,
		ids:          cfg.IDs,
		logger:       logger,
		defaultLease: defaultLease,
		maxLease:     maxLease,
	}, nil
}

// rulesFor resolves the platform rule set; an unknown platform is a client
// error, not a panic.
func (c *Coordinator) rulesFor(platform crawl.Platform) (crawl.PlatformRules, error) {
	r, ok := c.rules[platform]
	if !ok {
		return crawl.PlatformRules{}, crawl.Validationf("platform", "unsupported platform %q", platform)
	}
	return r, nil
}

// leaseLimit resolves a client-supplied lease size.
func (c *Coordinator) leaseLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, crawl.Validationf("limit", "must not be negative")
	case limit == 0:
		return c.defaultLease, nil
	case limit > c.maxLease:
		return 0, crawl.Validationf("limit", "must not exceed %d", c.maxLease)
	}
	return limit, nil
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().UTC()
}

// emit stamps the event time and hands it to the hub. Emission never
// blocks request handling.
func (c *Coordinator) emit(evt events.Event) {
	if evt.TS.IsZero() {
		evt.TS = c.now()
	}
	c.events.Emit(evt)
}

// checkTransition rejects moves out of a terminal status. The one legal
// repeat, re-asserting the current terminal status, is a no-op handled by
// callers before they get here.
func checkTransition(id string, from, to crawl.Status) error {
	if from.IsTerminal() {
		return &crawl.TransitionError{ID: id, From: from, To: to}
	}
	return nil
}

// outcomeKind maps a terminal status to its event kind.
func outcomeKind(status crawl.Status) (events.Kind, bool) {
	switch status {
	case crawl.StatusCompleted:
		return events.KindUnitCompleted, true
	case crawl.StatusFailed:
		return events.KindUnitFailed, true
	case crawl.StatusSkipped:
		return events.KindUnitSkipped, true
	default:
		return "", false
	}
}
