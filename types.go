// Package tableau lets UI layers treat a large, remotely-sourced dataset
// as an always-available local table without holding it fully in memory.
//
// Records are persisted in a single SQLite database keyed by
// (source_id, id). Live queries bind an immutable filter/sort/projection
// spec to one source; viewports materialize a sliding window of query
// results for virtualized rendering. Per-source freshness is tracked and
// refreshed through a pluggable origin-fetch collaborator.
package tableau

import (
	"github.com/hazyhaar/tableau/internal/query"
	"github.com/hazyhaar/tableau/internal/source"
	"github.com/hazyhaar/tableau/internal/store"
	"github.com/hazyhaar/tableau/internal/viewport"
)

// Re-export the data-layer types as the public API.
type (
	Record          = store.Record
	Source          = store.Source
	SavedQuery      = store.SavedQuery
	RefreshLogEntry = store.RefreshLogEntry
	Stats           = store.Stats
	SyncState       = store.SyncState
	Window          = store.Window

	Handle        = source.Handle
	Freshness     = source.Freshness
	RefreshResult = source.RefreshResult
	APIConfig     = source.APIConfig
	Delta         = source.Delta
	Fetcher       = source.Fetcher

	FilterNode = query.Node
	FilterOp   = query.Op
	QuerySpec  = query.Spec
	Refinement = query.Refinement
	Sort       = query.Sort

	ViewportState   = viewport.State
	ViewportOptions = viewport.Options
)

// Sync states.
const (
	SyncNever   = store.SyncNever
	SyncFresh   = store.SyncFresh
	SyncStale   = store.SyncStale
	SyncSyncing = store.SyncSyncing
	SyncError   = store.SyncError
)

// Source kinds.
const (
	KindImported = store.KindImported
	KindAPI      = store.KindAPI
	KindDerived  = store.KindDerived
)

// Filter operators.
const (
	OpEq       = query.OpEq
	OpNeq      = query.OpNeq
	OpGt       = query.OpGt
	OpGte      = query.OpGte
	OpLt       = query.OpLt
	OpLte      = query.OpLte
	OpContains = query.OpContains
	OpStarts   = query.OpStarts
	OpEnds     = query.OpEnds
	OpNull     = query.OpNull
	OpNotNull  = query.OpNotNull
	OpIn       = query.OpIn
)

// Filter tree constructors.
var (
	And = query.And
	Or  = query.Or
	Not = query.Not
	Cmp = query.Cmp
)
