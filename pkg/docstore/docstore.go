package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrStorageFailure  = errors.New("document storage failure")
	ErrIndexingFailure = errors.New("document indexing failure")
)

const (
	documentsPrefix = "documents/"
	indexPrefix     = "index/"
	scenariosPrefix = "scenarios/"
)

// Store is the content-addressed document archive. Each document is kept
// once; the scenarios referencing it are tracked in a per-document index
// and a per-scenario marker.
type Store struct {
	archive  Archive
	locker   leaselock.Locker
	lockOpts leaselock.Options
	now      func() time.Time
}

type NewStoreParams struct {
	Archive Archive
	// Locker guards the index of a single document. Defaults to an
	// in-process lease client.
	Locker   leaselock.Locker
	LockTTL  time.Duration
	LockWait time.Duration
}

func NewStore(params NewStoreParams) *Store {
	locker := params.Locker
	if locker == nil {
		locker = leaselock.NewLocal()
	}
	ttl := params.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	wait := params.LockWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &Store{
		archive: params.Archive,
		locker:  locker,
		lockOpts: leaselock.Options{
			TTL:          ttl,
			DisableRenew: true,
			Wait:         true,
			WaitInterval: 20 * time.Millisecond,
			WaitTimeout:  wait,
			TokenPrefix:  "docstore-",
		},
		now: time.Now,
	}
}

type storedDocument struct {
	DocHash        string                  `json:"doc_hash"`
	NormalizedText string                  `json:"normalized_text"`
	Metadata       common.DocumentMetadata `json:"metadata"`
}

func documentKey(hash string) string { return documentsPrefix + hash + ".json" }
func indexKey(hash string) string    { return indexPrefix + hash + ".json" }
func markerKey(scenario, hash string) string {
	return scenariosPrefix + scenario + "/" + hash
}

// Store normalizes text and indexes it under scenarioHash. Storing a
// (document, scenario) pair that is already indexed returns the existing
// fingerprint and writes nothing.
func (s *Store) Store(ctx context.Context, text, scenarioHash, sourceURL string) (*common.DocumentFingerprint, error) {
	if strings.TrimSpace(scenarioHash) == "" {
		return nil, errors.New("scenario hash is empty")
	}
	if strings.ContainsAny(scenarioHash, "/") {
		return nil, fmt.Errorf("invalid scenario hash %q", scenarioHash)
	}

	normalized := Normalize(text)
	hash := Hash(normalized)

	var fp *common.DocumentFingerprint
	err := s.locker.WithLease(ctx, "docstore:"+hash, s.lockOpts, func(ctx context.Context) error {
		scenarios, err := s.readIndex(ctx, hash)
		if err != nil {
			return fmt.Errorf("%w: read index: %w", ErrIndexingFailure, err)
		}

		doc, err := s.readDocument(ctx, hash)
		switch {
		case errors.Is(err, ErrNotFound):
			doc = &storedDocument{
				DocHash:        hash,
				NormalizedText: normalized,
				Metadata: common.DocumentMetadata{
					OriginalLength:   len(text),
					NormalizedLength: len(normalized),
					CreatedAt:        s.now().UTC(),
					SourceURL:        sourceURL,
				},
			}
			if err := s.writeJSON(ctx, documentKey(hash), doc); err != nil {
				return fmt.Errorf("%w: %w", ErrStorageFailure, err)
			}
		case err != nil:
			return fmt.Errorf("%w: read document: %w", ErrStorageFailure, err)
		}

		if slices.Contains(scenarios, scenarioHash) {
			// a failed marker write of an earlier call is repaired here
			if err := s.ensureMarker(ctx, scenarioHash, hash); err != nil {
				return err
			}
			logger.Debug("[DocStore] Document already indexed", "doc", hash, "scenario", scenarioHash)
			fp = fingerprint(doc, scenarioHash, scenarios)
			return nil
		}

		// marker first, so an indexed pair always has its marker
		if err := s.archive.Put(ctx, markerKey(scenarioHash, hash), []byte(hash)); err != nil {
			return fmt.Errorf("%w: write scenario marker: %w", ErrIndexingFailure, err)
		}
		scenarios = append(scenarios, scenarioHash)
		if err := s.writeJSON(ctx, indexKey(hash), scenarios); err != nil {
			return fmt.Errorf("%w: write index: %w", ErrIndexingFailure, err)
		}

		logger.Debug("[DocStore] Document indexed", "doc", hash, "scenario", scenarioHash)
		fp = fingerprint(doc, scenarioHash, scenarios)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fp, nil
}

func (s *Store) ensureMarker(ctx context.Context, scenarioHash, hash string) error {
	key := markerKey(scenarioHash, hash)
	_, err := s.archive.Get(ctx, key)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, ErrObjectNotFound):
		return fmt.Errorf("%w: read scenario marker: %w", ErrIndexingFailure, err)
	}
	logger.Warn("[DocStore] Restoring missing scenario marker", "doc", hash, "scenario", scenarioHash)
	if err := s.archive.Put(ctx, key, []byte(hash)); err != nil {
		return fmt.Errorf("%w: write scenario marker: %w", ErrIndexingFailure, err)
	}
	return nil
}

// Get returns the fingerprint of a stored document. ScenarioHash is the
// first scenario the document was indexed under.
func (s *Store) Get(ctx context.Context, docHash string) (*common.DocumentFingerprint, error) {
	doc, err := s.readDocument(ctx, docHash)
	if err != nil {
		return nil, err
	}
	scenarios, err := s.readIndex(ctx, docHash)
	if err != nil {
		return nil, fmt.Errorf("%w: read index: %w", ErrIndexingFailure, err)
	}
	scenario := ""
	if len(scenarios) > 0 {
		scenario = scenarios[0]
	}
	return fingerprint(doc, scenario, scenarios), nil
}

// GetByScenario returns every document indexed under scenarioHash, ordered
// by document hash.
func (s *Store) GetByScenario(ctx context.Context, scenarioHash string) ([]common.DocumentFingerprint, error) {
	keys, err := s.archive.List(ctx, scenariosPrefix+scenarioHash+"/")
	if err != nil {
		return nil, fmt.Errorf("%w: list scenario: %w", ErrIndexingFailure, err)
	}

	hashes := make([]string, 0, len(keys))
	for _, k := range keys {
		hashes = append(hashes, path.Base(k))
	}
	slices.Sort(hashes)

	out := make([]common.DocumentFingerprint, 0, len(hashes))
	for _, h := range hashes {
		doc, err := s.readDocument(ctx, h)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				logger.Warn("[DocStore] Scenario marker without document", "doc", h, "scenario", scenarioHash)
				continue
			}
			return nil, err
		}
		scenarios, err := s.readIndex(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("%w: read index: %w", ErrIndexingFailure, err)
		}
		out = append(out, *fingerprint(doc, scenarioHash, scenarios))
	}
	return out, nil
}

// RemoveScenario drops every document reference of scenarioHash. Documents
// no longer referenced by any scenario are deleted. It returns the number
// of references removed.
func (s *Store) RemoveScenario(ctx context.Context, scenarioHash string) (int, error) {
	keys, err := s.archive.List(ctx, scenariosPrefix+scenarioHash+"/")
	if err != nil {
		return 0, fmt.Errorf("%w: list scenario: %w", ErrIndexingFailure, err)
	}

	removed := 0
	for _, k := range keys {
		hash := path.Base(k)
		err := s.locker.WithLease(ctx, "docstore:"+hash, s.lockOpts, func(ctx context.Context) error {
			scenarios, err := s.readIndex(ctx, hash)
			if err != nil {
				return fmt.Errorf("%w: read index: %w", ErrIndexingFailure, err)
			}
			scenarios = slices.DeleteFunc(scenarios, func(sc string) bool { return sc == scenarioHash })

			if len(scenarios) == 0 {
				if err := s.archive.Delete(ctx, indexKey(hash)); err != nil {
					return fmt.Errorf("%w: delete index: %w", ErrIndexingFailure, err)
				}
				if err := s.archive.Delete(ctx, documentKey(hash)); err != nil {
					return fmt.Errorf("%w: delete document: %w", ErrStorageFailure, err)
				}
			} else if err := s.writeJSON(ctx, indexKey(hash), scenarios); err != nil {
				return fmt.Errorf("%w: write index: %w", ErrIndexingFailure, err)
			}

			if err := s.archive.Delete(ctx, k); err != nil {
				return fmt.Errorf("%w: delete scenario marker: %w", ErrIndexingFailure, err)
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed++
	}

	logger.Debug("[DocStore] Scenario removed", "scenario", scenarioHash, "documents", removed)
	return removed, nil
}

func fingerprint(doc *storedDocument, scenario string, scenarios []string) *common.DocumentFingerprint {
	return &common.DocumentFingerprint{
		DocHash:        doc.DocHash,
		ScenarioHash:   scenario,
		NormalizedText: doc.NormalizedText,
		Metadata:       doc.Metadata,
		Scenarios:      slices.Clone(scenarios),
	}
}

func (s *Store) readDocument(ctx context.Context, hash string) (*storedDocument, error) {
	data, err := s.archive.Get(ctx, documentKey(hash))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var doc storedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode document %s: %w", ErrStorageFailure, hash, err)
	}
	return &doc, nil
}

func (s *Store) readIndex(ctx context.Context, hash string) ([]string, error) {
	data, err := s.archive.Get(ctx, indexKey(hash))
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var scenarios []string
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, err
	}
	return scenarios, nil
}

func (s *Store) writeJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.archive.Put(ctx, key, data)
}
