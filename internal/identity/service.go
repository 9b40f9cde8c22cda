package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/jurisbase/lexcrawl/internal/ingest"
)

// IDGenerator produces document UUIDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Service is the universal identity and naming service. It owns a
// run-scoped, thread-safe dedup cache (never process-wide state) and
// delegates the atomic check-and-allocate to the document store.
type Service struct {
	docs  ingest.DocumentStore
	idGen IDGenerator
	clock ingest.Clock

	mu    sync.Mutex
	cache map[string]string // sourceURL -> globalID, this run only
}

// New constructs a Service.
func New(docs ingest.DocumentStore, idGen IDGenerator, clock ingest.Clock) *Service {
	return &Service{
		docs:  docs,
		idGen: idGen,
		clock: clock,
		cache: make(map[string]string),
	}
}

// AssignOrLookup resolves a source URL to its global ID, allocating a new
// identity only if the URL has never been seen. Idempotent: a second call
// for the same URL returns the existing ID with isNew=false.
func (s *Service) AssignOrLookup(ctx context.Context, sourceURL, countryCode, category string, year int) (string, bool, error) {
	if id, ok := s.cached(sourceURL); ok {
		return id, false, nil
	}
	doc, isNew, err := s.docs.AssignOrLookup(ctx, sourceURL,
		ingest.SequenceKey{CountryCode: countryCode, DocCategory: category, DocYear: year},
		s.Factory(sourceURL, countryCode, ingest.ParsedFields{Category: category, Year: year}, "", "", ""),
	)
	if err != nil {
		return "", false, err
	}
	s.remember(sourceURL, doc.GlobalID)
	return doc.GlobalID, isNew, nil
}

// Factory returns the DocumentFactory the store invokes inside its
// allocation transaction. The closure composes the global ID and canonical
// path from the allocated sequence.
func (s *Service) Factory(sourceURL, countryCode string, parsed ingest.ParsedFields, rawRef, contentHash, proxyID string) ingest.DocumentFactory {
	return func(seq int) ingest.Document {
		now := s.clock.Now()
		globalID := ComposeGlobalID(countryCode, parsed.Category, parsed.Year, seq)
		docUUID, err := s.idGen.NewID()
		if err != nil {
			// UUID generation only fails when the entropy source does;
			// the global ID alone still identifies the document.
			docUUID = ""
		}
		ref := rawRef
		if ref == "" {
			ref = CanonicalPath(countryCode, parsed.Category, parsed.Year, globalID, parsed.Title, parsed.Subject)
		}
		return ingest.Document{
			GlobalID:       globalID,
			UUID:           docUUID,
			CountryCode:    countryCode,
			DocCategory:    parsed.Category,
			DocYear:        parsed.Year,
			YearlySequence: seq,
			TitleFull:      parsed.Title,
			SourceURL:      sourceURL,
			RawContentRef:  ref,
			ContentHash:    contentHash,
			FetchedVia:     proxyID,
			Parsed:         parsed,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
}

// Remember records an observed allocation in the run cache. The worker pool
// calls this after Complete so later lease retries skip a store round trip.
func (s *Service) Remember(sourceURL, globalID string) {
	s.remember(sourceURL, globalID)
}

func (s *Service) cached(sourceURL string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cache[sourceURL]
	return id, ok
}

func (s *Service) remember(sourceURL, globalID string) {
	if sourceURL == "" || globalID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[sourceURL]; ok && existing != globalID {
		// Two IDs for one URL would mean the store's atomicity broke.
		panic(fmt.Sprintf("identity cache conflict for %s: %s vs %s", sourceURL, existing, globalID))
	}
	s.cache[sourceURL] = globalID
}
