package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"weave/internal/logging"
)

// EmbedFunc turns text into an embedding vector. Nil means no embedding
// provider is configured and L4 degrades to keyword retrieval.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// SummarizeFunc compresses two fact texts into one during compaction. Nil
// falls back to concatenation with truncation.
type SummarizeFunc func(ctx context.Context, a, b string) (string, error)

// Fact is one compressed entry in the semantic tier.
type Fact struct {
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	MergeCount int               `json:"merge_count"`
	CreatedAt  time.Time         `json:"created_at"`
}

// FactMatch is a retrieval hit with its similarity score.
type FactMatch struct {
	Fact  Fact
	Score float32
}

const (
	defaultSemanticTarget = 150
	mergedTextLimit       = 2000
)

// SemanticStore is the L4 tier: a logically unbounded fact store kept near
// a physical target size by merging the most similar neighbours. Retrieval
// is vector similarity through chromem when an embedder is configured,
// keyword overlap otherwise.
type SemanticStore struct {
	mu         sync.Mutex
	facts      map[string]*Fact
	order      []string // insertion order, oldest first
	target     int
	embed      EmbedFunc
	summarize  SummarizeFunc
	collection *chromem.Collection
	logger     *logging.Logger
}

// SemanticOption configures a SemanticStore.
type SemanticOption func(*SemanticStore)

// WithSemanticTarget overrides the nominal entry target (default 150).
func WithSemanticTarget(n int) SemanticOption {
	return func(s *SemanticStore) {
		if n > 0 {
			s.target = n
		}
	}
}

// WithSummarizer installs the compaction summarizer, typically backed by a
// cheap LLM call.
func WithSummarizer(fn SummarizeFunc) SemanticOption {
	return func(s *SemanticStore) { s.summarize = fn }
}

// NewSemanticStore constructs the tier. A nil embed function selects the
// keyword-only degraded mode.
func NewSemanticStore(embed EmbedFunc, opts ...SemanticOption) (*SemanticStore, error) {
	s := &SemanticStore{
		facts:  make(map[string]*Fact),
		target: defaultSemanticTarget,
		embed:  embed,
		logger: logging.ForComponent("memory.semantic"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if embed != nil {
		db := chromem.NewDB()
		collection, err := db.GetOrCreateCollection("semantic-facts", nil, chromem.EmbeddingFunc(embed))
		if err != nil {
			return nil, fmt.Errorf("create semantic collection: %w", err)
		}
		s.collection = collection
	}
	return s, nil
}

// HasEmbedder reports whether vector retrieval is available.
func (s *SemanticStore) HasEmbedder() bool { return s.collection != nil }

// AddFact stores a new fact and compacts the tier back toward its target.
func (s *SemanticStore) AddFact(ctx context.Context, text string, metadata map[string]string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("semantic: empty fact text")
	}

	fact := &Fact{
		ID:        "fact-" + uuid.NewString(),
		Text:      text,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index(ctx, fact); err != nil {
		return "", err
	}
	s.facts[fact.ID] = fact
	s.order = append(s.order, fact.ID)

	if err := s.compact(ctx); err != nil {
		// Compaction failure leaves the tier oversized, not broken.
		s.logger.Warn("Semantic compaction failed: %v", err)
	}
	return fact.ID, nil
}

func (s *SemanticStore) index(ctx context.Context, fact *Fact) error {
	if s.collection == nil {
		return nil
	}
	return s.collection.AddDocument(ctx, chromem.Document{
		ID:       fact.ID,
		Content:  fact.Text,
		Metadata: fact.Metadata,
	})
}

func (s *SemanticStore) unindex(ctx context.Context, id string) {
	if s.collection == nil {
		return
	}
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		s.logger.Warn("Failed to delete %s from collection: %v", id, err)
	}
}

// Size returns the current entry count.
func (s *SemanticStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.facts)
}

// Search retrieves the topK most similar facts. With an embedder this is
// cosine similarity; without one it degrades to keyword overlap. Errors
// from the vector path degrade to keyword search rather than failing.
func (s *SemanticStore) Search(ctx context.Context, query string, topK int) []FactMatch {
	if topK <= 0 {
		topK = 5
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.facts) == 0 {
		return nil
	}

	if s.collection != nil {
		matches, err := s.vectorSearch(ctx, query, topK)
		if err == nil {
			return matches
		}
		s.logger.Warn("Vector search failed, degrading to keyword: %v", err)
	}
	return s.keywordSearch(query, topK)
}

func (s *SemanticStore) vectorSearch(ctx context.Context, query string, topK int) ([]FactMatch, error) {
	n := topK
	if count := s.collection.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := s.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, err
	}
	matches := make([]FactMatch, 0, len(results))
	for _, r := range results {
		fact, ok := s.facts[r.ID]
		if !ok {
			continue
		}
		matches = append(matches, FactMatch{Fact: *fact, Score: r.Similarity})
	}
	return matches, nil
}

func (s *SemanticStore) keywordSearch(query string, topK int) []FactMatch {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var matches []FactMatch
	for _, id := range s.order {
		fact, ok := s.facts[id]
		if !ok {
			continue
		}
		haystack := strings.ToLower(fact.Text)
		hits := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, FactMatch{
				Fact:  *fact,
				Score: float32(hits) / float32(len(terms)),
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// compact merges the oldest fact into its nearest neighbour until the tier
// is back at its target. Caller holds the lock.
func (s *SemanticStore) compact(ctx context.Context) error {
	for len(s.facts) > s.target {
		s.pruneOrder()
		if len(s.order) < 2 {
			return nil
		}

		oldest := s.facts[s.order[0]]
		neighbour := s.nearestNeighbour(oldest)
		if neighbour == nil {
			// Nothing similar; retire the oldest fact outright.
			s.remove(ctx, oldest.ID)
			continue
		}

		merged, err := s.mergeTexts(ctx, oldest.Text, neighbour.Text)
		if err != nil {
			return err
		}

		mergedFact := &Fact{
			ID:         "fact-" + uuid.NewString(),
			Text:       merged,
			Metadata:   oldest.Metadata,
			MergeCount: oldest.MergeCount + neighbour.MergeCount + 1,
			CreatedAt:  time.Now(),
		}
		s.remove(ctx, oldest.ID)
		s.remove(ctx, neighbour.ID)
		if err := s.index(ctx, mergedFact); err != nil {
			return err
		}
		s.facts[mergedFact.ID] = mergedFact
		s.order = append(s.order, mergedFact.ID)
	}
	return nil
}

// nearestNeighbour finds the most lexically similar other fact. Token
// overlap is a deliberate stand-in for vector distance here: compaction
// must work in degraded mode too, and oldest-first merging only needs a
// rough neighbour.
func (s *SemanticStore) nearestNeighbour(target *Fact) *Fact {
	targetTokens := tokenSet(target.Text)
	var best *Fact
	bestScore := 0
	for _, id := range s.order {
		if id == target.ID {
			continue
		}
		candidate, ok := s.facts[id]
		if !ok {
			continue
		}
		score := overlap(targetTokens, tokenSet(candidate.Text))
		if score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best
}

func (s *SemanticStore) mergeTexts(ctx context.Context, a, b string) (string, error) {
	if s.summarize != nil {
		return s.summarize(ctx, a, b)
	}
	merged := a + "\n" + b
	if len(merged) > mergedTextLimit {
		merged = merged[:mergedTextLimit]
	}
	return merged, nil
}

func (s *SemanticStore) remove(ctx context.Context, id string) {
	delete(s.facts, id)
	s.unindex(ctx, id)
}

func (s *SemanticStore) pruneOrder() {
	live := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.facts[id]; ok {
			live = append(live, id)
		}
	}
	s.order = live
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		set[tok] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			n++
		}
	}
	return n
}
