// Package reasoning maintains a claim graph over embedded conversation
// memory and assembles retrieval context with contradiction signals.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"relay/internal/config"
	"relay/internal/storage"
	"relay/pkg/logger"

	"github.com/rs/zerolog"
)

// Embedder turns text into a fixed-dimension vector. The daemon wires an
// external embedding backend here; tests use a deterministic stub.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store ingests conversation turns into embedded memory and the reasoning
// graph, and recalls context for new queries.
type Store struct {
	db       *storage.DB
	cfg      config.MemoryConfig
	embedder Embedder
	log      zerolog.Logger
}

// New creates a reasoning store.
func New(db *storage.DB, cfg config.MemoryConfig, embedder Embedder) *Store {
	if cfg.RecallLimit <= 0 {
		cfg.RecallLimit = 5
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 2
	}
	if cfg.EdgeLimit <= 0 {
		cfg.EdgeLimit = 8
	}
	return &Store{
		db:       db,
		cfg:      cfg,
		embedder: embedder,
		log:      logger.Component("reasoning"),
	}
}

// Recalled is one retrieved memory with its graph annotations.
type Recalled struct {
	Memory        *storage.Memory
	Score         float64
	Claims        []*storage.ReasoningNode
	EdgeCounts    map[string]int
	Contradiction *storage.ReasoningNode
}

// Context is the assembled retrieval result for one query.
type Context struct {
	Hits     []Recalled
	Evidence []string
}

// Ingest chunks text, embeds each chunk, stores the memory rows, and links
// each chunk to a reasoning node keyed by its normalized claim. Successive
// chunks in one ingest are linked derived_from so the evidence walk can follow
// the narrative.
func (s *Store) Ingest(ctx context.Context, sessionID, text string) error {
	var prevNode string

	for _, chunk := range Chunk(text) {
		vec, err := s.embedder.Embed(ctx, chunk)
		if err != nil {
			return fmt.Errorf("embed chunk: %w", err)
		}
		if len(vec) != s.cfg.EmbeddingDim {
			return fmt.Errorf("embedder returned dim %d, want %d", len(vec), s.cfg.EmbeddingDim)
		}

		mem, err := s.db.InsertMemory(sessionID, chunk, vec)
		if err != nil {
			return fmt.Errorf("store memory: %w", err)
		}

		key, polarity := ClaimKey(chunk)
		if key == "" {
			prevNode = ""
			continue
		}

		node, err := s.db.UpsertReasoningNode(key, chunk, polarity)
		if err != nil {
			return fmt.Errorf("upsert claim: %w", err)
		}
		if err := s.db.LinkProvenance(mem.ID, node.ID, sessionID); err != nil {
			return fmt.Errorf("link provenance: %w", err)
		}

		if prevNode != "" && prevNode != node.ID {
			if err := s.db.UpsertReasoningEdge(node.ID, prevNode, storage.RelationDerivedFrom); err != nil {
				return fmt.Errorf("link claims: %w", err)
			}
		}
		prevNode = node.ID
	}

	return nil
}

// LinkClaims records a typed edge between two claims by node id.
func (s *Store) LinkClaims(fromNode, toNode, relation string) error {
	switch relation {
	case storage.RelationSupports, storage.RelationContradicts,
		storage.RelationDependsOn, storage.RelationDerivedFrom:
	default:
		return fmt.Errorf("unknown relation %q", relation)
	}
	return s.db.UpsertReasoningEdge(fromNode, toNode, relation)
}

// Recall embeds the query and returns the nearest memories, session scope
// first, topped up globally, each annotated with its claims, edge counts and
// any opposing claim. An evidence block is built by a bounded walk over the
// claim graph starting from the recalled claims.
func (s *Store) Recall(ctx context.Context, sessionID, query string) (*Context, error) {
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.nearest(qvec, sessionID, s.cfg.RecallLimit)
	if err != nil {
		return nil, err
	}
	if len(hits) < s.cfg.RecallLimit {
		global, err := s.nearest(qvec, "", s.cfg.RecallLimit)
		if err != nil {
			return nil, err
		}
		hits = topUp(hits, global, s.cfg.RecallLimit)
	}

	result := &Context{}
	var roots []string
	for _, h := range hits {
		r := Recalled{Memory: h.Memory, Score: h.Score}

		claims, err := s.db.NodesForMemory(h.Memory.ID)
		if err != nil {
			return nil, err
		}
		r.Claims = claims

		for _, node := range claims {
			roots = append(roots, node.ID)

			counts, err := s.db.CountEdgesByRelation(node.ID)
			if err != nil {
				return nil, err
			}
			if r.EdgeCounts == nil {
				r.EdgeCounts = counts
			} else {
				for k, v := range counts {
					r.EdgeCounts[k] += v
				}
			}

			opposing, err := s.db.FindOpposingNode(node.ClaimKey, node.Polarity)
			if err == nil {
				r.Contradiction = opposing
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}

		result.Hits = append(result.Hits, r)
	}

	evidence, err := s.walkEvidence(roots)
	if err != nil {
		return nil, err
	}
	result.Evidence = evidence

	return result, nil
}

// Render produces the memory block injected into the system prompt. Empty
// context renders to an empty string.
func (c *Context) Render() string {
	if len(c.Hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant memory:\n")
	for i, h := range c.Hits {
		fmt.Fprintf(&b, "[#%d] %s\n", i+1, h.Memory.Content)
		if h.Contradiction != nil {
			fmt.Fprintf(&b, "[#%d] CONTRADICTION: an opposing claim is on record: %q\n", i+1, h.Contradiction.Statement)
		}
	}
	if len(c.Evidence) > 0 {
		b.WriteString("Evidence chain:\n")
		for _, line := range c.Evidence {
			b.WriteString("  " + line + "\n")
		}
	}
	return b.String()
}

// nearest ranks memories by cosine similarity. An empty sessionID searches
// all sessions.
func (s *Store) nearest(qvec []float32, sessionID string, limit int) ([]Recalled, error) {
	memories, err := s.db.ListMemories(sessionID)
	if err != nil {
		return nil, err
	}

	var scored []Recalled
	for _, m := range memories {
		if len(m.Vector) != len(qvec) {
			s.log.Warn().Str("memory", m.ID).Msg("skipping memory with mismatched dimension")
			continue
		}
		scored = append(scored, Recalled{Memory: m, Score: cosine(qvec, m.Vector)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// walkEvidence does a breadth-first walk over outgoing edges from the recalled
// claims, bounded by depth and per-node edge limit. The graph may be cyclic;
// a visited set keeps the walk finite.
func (s *Store) walkEvidence(roots []string) ([]string, error) {
	visited := make(map[string]bool)
	frontier := make([]string, 0, len(roots))
	for _, id := range roots {
		if !visited[id] {
			visited[id] = true
			frontier = append(frontier, id)
		}
	}

	var lines []string
	for depth := 0; depth < s.cfg.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			from, err := s.db.GetReasoningNode(id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}

			edges, err := s.db.ListEdgesFrom(id, s.cfg.EdgeLimit)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				to, err := s.db.GetReasoningNode(e.ToNode)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					return nil, err
				}
				lines = append(lines, fmt.Sprintf("%q %s %q", from.Statement, e.Relation, to.Statement))
				if !visited[e.ToNode] {
					visited[e.ToNode] = true
					next = append(next, e.ToNode)
				}
			}
		}
		frontier = next
	}

	return lines, nil
}

func topUp(hits, global []Recalled, limit int) []Recalled {
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.Memory.ID] = true
	}
	for _, g := range global {
		if len(hits) >= limit {
			break
		}
		if !seen[g.Memory.ID] {
			seen[g.Memory.ID] = true
			hits = append(hits, g)
		}
	}
	return hits
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
