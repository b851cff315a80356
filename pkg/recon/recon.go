// Package recon turns the output of external reconnaissance (facts, search
// hits and fetched documents) into validated raw facts and archives the
// source text.
package recon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/lantern/backend/pkg/common"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"

	"github.com/go-playground/validator"
)

// Archiver stores source text under a scenario. *docstore.Store satisfies it.
type Archiver interface {
	Store(ctx context.Context, text, scenarioHash, sourceURL string) (*common.DocumentFingerprint, error)
}

type CollectorParams struct {
	// Archiver is optional; without one documents and search hits are not
	// archived.
	Archiver Archiver
	// DefaultConfidence is applied to facts without a confidence. Zero
	// leaves them at zero.
	DefaultConfidence float64
}

// Collector is the reconnaissance stage of a pipeline run.
type Collector struct {
	archiver   Archiver
	confidence float64
	validate   *validator.Validate
}

func NewCollector(params CollectorParams) *Collector {
	return &Collector{
		archiver:   params.Archiver,
		confidence: params.DefaultConfidence,
		validate:   validator.New(),
	}
}

// Collect archives every document and search snippet of in and returns the
// valid facts of in.Facts and in.RawFacts. Invalid facts are skipped; an
// archive failure fails the call.
func (c *Collector) Collect(ctx context.Context, scenarioHash string, in common.ReconInput) ([]common.RawFact, error) {
	archived, err := c.archive(ctx, scenarioHash, in)
	if err != nil {
		return nil, err
	}

	facts := append([]common.RawFact(nil), in.Facts...)
	if strings.TrimSpace(in.RawFacts) != "" {
		parsed, err := ParseFacts(in.RawFacts)
		if err != nil {
			return nil, fmt.Errorf("parse raw facts: %w", err)
		}
		facts = append(facts, parsed...)
	}

	out := make([]common.RawFact, 0, len(facts))
	for i, f := range facts {
		if f.Confidence == 0 {
			f.Confidence = c.confidence
		}
		if err := c.Validate(f); err != nil {
			logger.Warn("[Recon] Skipping invalid fact", "scenario", scenarioHash, "index", i, "entity", f.EntityID, "err", err)
			continue
		}
		out = append(out, f)
	}

	logger.Info("[Recon] Collected facts", "scenario", scenarioHash, "facts", len(out), "skipped", len(facts)-len(out), "documents", archived)
	return out, nil
}

// Validate checks a single fact against the RawFact constraints.
func (c *Collector) Validate(f common.RawFact) error {
	if err := c.validate.Struct(f); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("field %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	if _, _, ok := strings.Cut(f.EntityID, ":"); !ok {
		return fmt.Errorf("entity id %q is not in TYPE:value form", f.EntityID)
	}
	if f.Payload == nil {
		return errors.New("payload is missing")
	}
	return nil
}

func (c *Collector) archive(ctx context.Context, scenarioHash string, in common.ReconInput) (int, error) {
	if c.archiver == nil {
		return 0, nil
	}

	n := 0
	for _, doc := range in.Documents {
		if strings.TrimSpace(doc.Text) == "" {
			continue
		}
		if _, err := c.archiver.Store(ctx, doc.Text, scenarioHash, doc.SourceURL); err != nil {
			return n, fmt.Errorf("archive document %s: %w", doc.SourceURL, err)
		}
		n++
	}
	for _, hit := range in.SearchResults {
		text := searchText(hit)
		if text == "" {
			continue
		}
		if _, err := c.archiver.Store(ctx, text, scenarioHash, hit.Link); err != nil {
			return n, fmt.Errorf("archive search result %s: %w", hit.Link, err)
		}
		n++
	}
	return n, nil
}

func searchText(hit common.SearchResult) string {
	title := strings.TrimSpace(hit.Title)
	snippet := strings.TrimSpace(hit.Snippet)
	switch {
	case snippet == "":
		return ""
	case title == "":
		return snippet
	}
	return title + "\n" + snippet
}
