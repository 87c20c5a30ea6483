package jetstream

import (
	"sort"
	"time"

	"github.com/skylight-labs/jetstream-ingest/pkg/models"
)

// Extractor turns raw firehose messages into validated Records. It is
// pure apart from one side channel: the running set of commit collections
// (and kinds) observed, which is reported in SessionStats and attached to
// every flush envelope. One extractor serves one session; sessions are
// single-threaded, so no locking is needed.
type Extractor struct {
	collections map[string]struct{}
	kinds       map[string]struct{}
	now         func() time.Time
}

// NewExtractor creates an extractor with empty seen-sets.
func NewExtractor() *Extractor {
	return &Extractor{
		collections: make(map[string]struct{}),
		kinds:       make(map[string]struct{}),
		now:         time.Now,
	}
}

// Extract validates raw and projects it into a Record. It returns
// ok=false for messages missing required fields or carrying an unknown
// kind; rejection is silent apart from the caller's counters.
func (e *Extractor) Extract(raw *models.RawMessage) (*models.Record, bool) {
	if raw == nil {
		return nil, false
	}
	if raw.DID == "" || raw.TimeUS == 0 || raw.Kind == "" {
		return nil, false
	}

	kind := models.Kind(raw.Kind)
	if !kind.Valid() {
		return nil, false
	}

	record := &models.Record{
		DID:         raw.DID,
		Cursor:      raw.TimeUS,
		Kind:        kind,
		ProcessedAt: e.now(),
	}

	switch kind {
	case models.KindCommit:
		if raw.Commit != nil {
			record.Commit = raw.Commit
			record.Collection = raw.Commit.Collection
			if record.Collection != "" {
				e.collections[record.Collection] = struct{}{}
			}
		}
	case models.KindIdentity:
		record.Identity = raw.Identity
	case models.KindAccount:
		record.Account = raw.Account
	}

	e.kinds[string(kind)] = struct{}{}
	return record, true
}

// CollectionsSeen returns the distinct commit collections observed so
// far, sorted for stable reporting.
func (e *Extractor) CollectionsSeen() []string {
	return sortedKeys(e.collections)
}

// KindsSeen returns the distinct event kinds observed so far, sorted.
func (e *Extractor) KindsSeen() []string {
	return sortedKeys(e.kinds)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
