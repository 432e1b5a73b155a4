package store

// SyncState is the persisted freshness state of a source.
//
// Legal transitions: never→fresh on first successful sync, fresh/stale→
// syncing while a refresh is in flight, syncing→fresh on success, syncing→
// error on failure, error→syncing on the next explicit refresh. "stale" is
// derived from elapsed time by the source handle, not written by the store.
type SyncState string

const (
	SyncNever   SyncState = "never"
	SyncFresh   SyncState = "fresh"
	SyncStale   SyncState = "stale"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
)

// Source kinds. Imported sources have no origin to refresh from, api
// sources delegate to the origin-fetch collaborator, derived sources are
// query-only and always considered fresh after a refresh call.
const (
	KindImported = "imported"
	KindAPI      = "api"
	KindDerived  = "derived"
)

// Record is one persisted item, unique by (SourceID, ID). UpdatedAt is
// monotonic per id: an upsert never moves it backwards.
type Record struct {
	ID        string         `json:"id"`
	SourceID  string         `json:"source_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt int64          `json:"_createdAt"` // unix ms
	UpdatedAt int64          `json:"_updatedAt"` // unix ms
}

// Fields returns the payload extended with the reserved meta fields, the
// view that filter matching and sorting operate on. The copy is shallow.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.Payload)+3)
	for k, v := range r.Payload {
		out[k] = v
	}
	out["id"] = r.ID
	out["_createdAt"] = r.CreatedAt
	out["_updatedAt"] = r.UpdatedAt
	return out
}

// Source is a source descriptor row. SyncState, SyncError, LastSyncedAt,
// ServerClock, and RecordCount are owned by refresh/sync operations.
type Source struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`
	SyncState      SyncState `json:"sync_state"`
	SyncError      string    `json:"sync_error"`
	LastSyncedAt   *int64    `json:"last_synced_at,omitempty"` // unix ms
	ServerClock    int64     `json:"server_clock"`
	RecordCount    int64     `json:"record_count"` // cached; authoritative only right after a count
	SchemaJSON     string    `json:"schema_json"`
	APIConfigJSON  string    `json:"api_config_json"`
	DerivationJSON string    `json:"derivation_json"`
	CreatedAt      int64     `json:"created_at"`
	UpdatedAt      int64     `json:"updated_at"`
}

// SavedQuery is a persisted live-query spec.
type SavedQuery struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_id"`
	Name      string `json:"name"`
	SpecJSON  string `json:"spec_json"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// RefreshLogEntry is one refresh attempt record.
type RefreshLogEntry struct {
	ID           string `json:"id"`
	SourceID     string `json:"source_id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Added        int    `json:"added"`
	Updated      int    `json:"updated"`
	DurationMs   int64  `json:"duration_ms"`
	RefreshedAt  int64  `json:"refreshed_at"`
}

// Stats holds aggregate counters for one engine database.
type Stats struct {
	Sources     int `json:"sources"`
	Records     int `json:"records"`
	Queries     int `json:"queries"`
	RefreshLogs int `json:"refresh_logs"`
}
