package tableau

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hazyhaar/tableau/internal/apifetch"
	"github.com/hazyhaar/tableau/internal/query"
	"github.com/hazyhaar/tableau/internal/source"
	"github.com/hazyhaar/tableau/internal/store"
	"github.com/hazyhaar/tableau/internal/viewport"
)

// allowedKinds is the source-kind whitelist used by AddSource/UpdateSource.
var allowedKinds = map[string]bool{
	store.KindImported: true,
	store.KindAPI:      true,
	store.KindDerived:  true,
}

// Engine is the main tableau orchestrator: it owns the store connection
// (opened once, shared by all transactions), the per-source handles, and
// the background stale-source sweep.
type Engine struct {
	st      *store.Store
	logger  *slog.Logger
	config  *Config
	newID   func() string
	fetcher source.Fetcher
	sweeper *sweeper

	mu      sync.Mutex
	handles map[string]*source.Handle
}

// Option configures an Engine during creation.
type Option func(*Engine)

// WithFetcher sets the origin-fetch collaborator used by api sources.
// Default: the built-in JSON API fetcher.
func WithFetcher(f source.Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithIDGenerator overrides the UUIDv7 id generator (tests).
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Open creates an Engine over the database at cfg.Path. A store that
// fails to open is fatal; there is no built-in retry.
func Open(cfg *Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:  logger,
		config:  cfg,
		newID:   func() string { return uuid.Must(uuid.NewV7()).String() },
		handles: make(map[string]*source.Handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fetcher == nil {
		e.fetcher = apifetch.New(apifetch.Options{})
	}

	st, err := store.Open(cfg.Path, store.WithIDGenerator(e.newID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInit, err)
	}
	e.st = st
	e.sweeper = newSweeper(e, cfg.Scheduler, logger)
	return e, nil
}

// Start launches the background stale-source sweep. Non-blocking.
func (e *Engine) Start(ctx context.Context) {
	go e.sweeper.run(ctx)
	e.logger.Info("tableau: started")
}

// Close closes the engine database.
func (e *Engine) Close() error {
	return e.st.Close()
}

// --- Sources ---

func (e *Engine) validateSource(src *Source) error {
	if src.Name == "" {
		return fmt.Errorf("%w: source name required", ErrInvalidInput)
	}
	if !allowedKinds[src.Kind] {
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, src.Kind)
	}
	if src.Kind == store.KindAPI {
		var cfg source.APIConfig
		if err := json.Unmarshal([]byte(src.APIConfigJSON), &cfg); err != nil {
			return fmt.Errorf("%w: api config: %v", ErrInvalidInput, err)
		}
		if cfg.URL == "" {
			return fmt.Errorf("%w: api source requires a url", ErrInvalidInput)
		}
	}
	return nil
}

// AddSource registers a new source. Names are unique per engine and the
// per-engine source quota is enforced.
func (e *Engine) AddSource(ctx context.Context, src *Source) error {
	if src.ID == "" {
		src.ID = e.newID()
	}
	if src.Kind == "" {
		src.Kind = store.KindImported
	}
	if src.APIConfigJSON == "" {
		src.APIConfigJSON = "{}"
	}
	if err := e.validateSource(src); err != nil {
		return err
	}

	count, err := e.st.CountSources(ctx)
	if err != nil {
		return fmt.Errorf("count sources: %w", err)
	}
	if count >= e.config.MaxSources {
		return fmt.Errorf("%w: maximum %d sources per engine", ErrQuotaExceeded, e.config.MaxSources)
	}

	existing, _ := e.st.GetSourceByName(ctx, src.Name)
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name)
	}

	return e.st.InsertSource(ctx, src)
}

// GetSource returns a source descriptor, or nil when absent.
func (e *Engine) GetSource(ctx context.Context, id string) (*Source, error) {
	return e.st.GetSource(ctx, id)
}

// ListSources returns all source descriptors.
func (e *Engine) ListSources(ctx context.Context) ([]*Source, error) {
	return e.st.ListSources(ctx)
}

// UpdateSource updates a source's descriptor fields. Unset fields keep
// their existing values.
func (e *Engine) UpdateSource(ctx context.Context, src *Source) error {
	existing, err := e.st.GetSource(ctx, src.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("source %s: %w", src.ID, ErrSourceUnattached)
	}

	if src.Name == "" {
		src.Name = existing.Name
	}
	if src.Kind == "" {
		src.Kind = existing.Kind
	}
	if src.SchemaJSON == "" {
		src.SchemaJSON = existing.SchemaJSON
	}
	if src.APIConfigJSON == "" {
		src.APIConfigJSON = existing.APIConfigJSON
	}
	if src.DerivationJSON == "" {
		src.DerivationJSON = existing.DerivationJSON
	}
	if err := e.validateSource(src); err != nil {
		return err
	}

	if src.Name != existing.Name {
		other, _ := e.st.GetSourceByName(ctx, src.Name)
		if other != nil && other.ID != src.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, src.Name)
		}
	}
	return e.st.UpdateSource(ctx, src)
}

// DeleteSource removes a source and all its records, saved queries, and
// refresh log entries.
func (e *Engine) DeleteSource(ctx context.Context, id string) error {
	if err := e.st.DeleteSource(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.handles, id)
	e.mu.Unlock()
	return nil
}

// Handle returns the per-source freshness/sync handle, creating it on
// first use. One handle per source id per engine.
func (e *Engine) Handle(id string) *source.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	if !ok {
		h = source.NewHandle(e.st, id, source.Options{
			Fetcher:    e.fetcher,
			Logger:     e.logger,
			StaleAfter: e.config.StaleAfter,
		})
		e.handles[id] = h
	}
	return h
}

// Refresh synchronizes one source with its origin. An explicit refresh
// returns the fetch error; background refreshes (sweeper, viewport
// auto-refresh) capture it into the source's sync state instead.
func (e *Engine) Refresh(ctx context.Context, sourceID string) (*RefreshResult, error) {
	return e.Handle(sourceID).Refresh(ctx)
}

// RefreshHistory returns recent refresh attempts for a source.
func (e *Engine) RefreshHistory(ctx context.Context, sourceID string, limit int) ([]*RefreshLogEntry, error) {
	return e.st.RefreshHistory(ctx, sourceID, limit)
}

// --- Records (ingestion surface) ---

// StoreRecords upserts a batch of field maps into a source. Ids and
// timestamps are assigned as needed. Delta semantics: absent records are
// not deleted.
func (e *Engine) StoreRecords(ctx context.Context, sourceID string, batch []map[string]any) (int, error) {
	if err := e.requireSource(ctx, sourceID); err != nil {
		return 0, err
	}
	return e.st.StoreRecords(ctx, sourceID, batch)
}

// ClearRecords removes all records of a source (full resync).
func (e *Engine) ClearRecords(ctx context.Context, sourceID string) error {
	if err := e.requireSource(ctx, sourceID); err != nil {
		return err
	}
	return e.st.ClearRecords(ctx, sourceID)
}

func (e *Engine) requireSource(ctx context.Context, sourceID string) error {
	src, err := e.st.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("source %s: %w", sourceID, ErrSourceUnattached)
	}
	return nil
}

// --- Queries ---

// NewQuery binds a validated query spec to its source. Binding to a
// missing source fails fast.
func (e *Engine) NewQuery(ctx context.Context, spec QuerySpec) (*LiveQuery, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := e.requireSource(ctx, spec.SourceID); err != nil {
		return nil, err
	}
	return &LiveQuery{spec: spec, handle: e.Handle(spec.SourceID)}, nil
}

// Query is shorthand for an unfiltered query over one source.
func (e *Engine) Query(ctx context.Context, sourceID string) (*LiveQuery, error) {
	return e.NewQuery(ctx, query.Spec{SourceID: sourceID})
}

// SaveQuery persists a live query's spec under a name.
func (e *Engine) SaveQuery(ctx context.Context, name string, q *LiveQuery) (*SavedQuery, error) {
	specJSON, err := query.MarshalSpec(q.spec)
	if err != nil {
		return nil, err
	}
	saved := &SavedQuery{
		ID:       e.newID(),
		SourceID: q.spec.SourceID,
		Name:     name,
		SpecJSON: specJSON,
	}
	if err := e.st.SaveQuery(ctx, saved); err != nil {
		return nil, err
	}
	return saved, nil
}

// LoadQuery rebuilds a live query from a saved spec.
func (e *Engine) LoadQuery(ctx context.Context, id string) (*LiveQuery, error) {
	saved, err := e.st.GetQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("%w: query %s not found", ErrInvalidInput, id)
	}
	spec, err := query.UnmarshalSpec(saved.SpecJSON)
	if err != nil {
		return nil, err
	}
	return e.NewQuery(ctx, spec)
}

// ListQueries returns saved queries for a source.
func (e *Engine) ListQueries(ctx context.Context, sourceID string) ([]*SavedQuery, error) {
	return e.st.ListQueries(ctx, sourceID)
}

// DeleteQuery removes a saved query.
func (e *Engine) DeleteQuery(ctx context.Context, id string) error {
	return e.st.DeleteQuery(ctx, id)
}

// --- Viewports ---

// Viewport creates a window controller over a live query. Zero opts take
// the engine's configured viewport defaults. The caller must Destroy the
// viewport when its view closes.
func (e *Engine) Viewport(q *LiveQuery, opts ViewportOptions) *viewport.Controller {
	if opts.WindowSize <= 0 {
		opts.WindowSize = e.config.Viewport.WindowSize
	}
	if opts.Buffer <= 0 {
		opts.Buffer = e.config.Viewport.Buffer
	}
	if opts.AutoRefresh <= 0 {
		opts.AutoRefresh = e.config.Viewport.AutoRefresh
	}
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	return viewport.New(queryProvider{q}, opts)
}

// queryProvider adapts a LiveQuery to the viewport's Provider interface.
type queryProvider struct {
	q *LiveQuery
}

func (p queryProvider) Window(ctx context.Context, offset, limit int) (*store.Window, error) {
	return p.q.window(ctx, offset, limit)
}

func (p queryProvider) RefreshSource(ctx context.Context) error {
	_, err := p.q.handle.Refresh(ctx)
	return err
}

// --- Stats ---

// Stats returns aggregate counters for the engine database.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	return e.st.Stats(ctx)
}
