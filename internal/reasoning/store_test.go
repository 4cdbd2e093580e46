package reasoning

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
	"relay/internal/storage"
)

const testDim = 8

// wordEmbedder is a deterministic bag-of-words embedding for tests: texts
// sharing words land close together.
type wordEmbedder struct{}

func (wordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(strings.Trim(w, ".,!?")))
		vec[h.Sum32()%testDim]++
	}
	return vec, nil
}

func testStore(t *testing.T) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.MemoryConfig{
		EmbeddingDim: testDim,
		RecallLimit:  3,
		MaxDepth:     2,
		EdgeLimit:    8,
	}
	return New(db, cfg, wordEmbedder{}), db
}

func TestChunk(t *testing.T) {
	assert.Empty(t, Chunk("   \n\n  "))
	assert.Equal(t, []string{"one short note"}, Chunk("one short note"))

	long := strings.Repeat("This is a fairly long sentence about databases. ", 20)
	chunks := Chunk(long)
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), maxChunkRunes+1)
	}
}

func TestClaimKey(t *testing.T) {
	key1, pol1 := ClaimKey("The deploy is safe.")
	key2, pol2 := ClaimKey("the deploy is NOT safe")
	assert.Equal(t, key1, key2)
	assert.Equal(t, 1, pol1)
	assert.Equal(t, -1, pol2)

	// Double negation is affirmative.
	_, pol3 := ClaimKey("it is not not safe")
	assert.Equal(t, 1, pol3)

	key4, _ := ClaimKey("...")
	assert.Empty(t, key4)
}

func TestIngestCreatesMemoryAndClaims(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, "s1", "The staging database is healthy"))

	memories, err := db.ListMemories("s1")
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Len(t, memories[0].Vector, testDim)

	nodes, err := db.NodesForMemory(memories[0].ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "staging database is healthy", nodes[0].ClaimKey)
	assert.Equal(t, 1, nodes[0].Polarity)
}

func TestRecallRanksBySimilarity(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, "s1", "postgres replication lag is rising"))
	require.NoError(t, s.Ingest(ctx, "s1", "weather in lisbon is sunny today"))

	res, err := s.Recall(ctx, "s1", "postgres replication lag")
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Contains(t, res.Hits[0].Memory.Content, "replication")
}

func TestRecallTopsUpFromGlobalScope(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, "other", "redis eviction policy is allkeys-lru"))

	res, err := s.Recall(ctx, "s1", "redis eviction policy")
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, "other", res.Hits[0].Memory.SessionID)
}

func TestRecallFlagsContradiction(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, "s1", "rollout is safe"))
	require.NoError(t, s.Ingest(ctx, "s2", "rollout is not safe"))

	res, err := s.Recall(ctx, "s1", "rollout is safe")
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)

	hit := res.Hits[0]
	require.NotNil(t, hit.Contradiction)
	assert.Equal(t, -1, hit.Contradiction.Polarity)
	assert.Contains(t, res.Hits[0].Contradiction.Statement, "not safe")

	block := res.Render()
	assert.Contains(t, block, "CONTRADICTION")
	assert.Contains(t, block, "[#1]")
}

func TestEvidenceWalkIsBoundedAndCycleSafe(t *testing.T) {
	s, db := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ingest(ctx, "s1", "service latency is high"))
	// Same claim key the ingest produced, so the walk starts from this node.
	a, err := db.UpsertReasoningNode("service latency is high", "service latency is high", 1)
	require.NoError(t, err)
	b, err := db.UpsertReasoningNode("gc pauses long", "gc pauses are long", 1)
	require.NoError(t, err)

	require.NoError(t, s.LinkClaims(a.ID, b.ID, storage.RelationDependsOn))
	// Cycle back to a.
	require.NoError(t, s.LinkClaims(b.ID, a.ID, storage.RelationSupports))

	res, err := s.Recall(ctx, "s1", "service latency is high")
	require.NoError(t, err)
	require.NotEmpty(t, res.Evidence)

	joined := strings.Join(res.Evidence, "\n")
	assert.Contains(t, joined, "depends_on")

	counts := res.Hits[0].EdgeCounts
	assert.Equal(t, 1, counts[storage.RelationDependsOn])
	assert.Equal(t, 1, counts[storage.RelationSupports])
}

func TestLinkClaimsRejectsUnknownRelation(t *testing.T) {
	s, db := testStore(t)
	a, err := db.UpsertReasoningNode("k1", "one", 1)
	require.NoError(t, err)
	b, err := db.UpsertReasoningNode("k2", "two", 1)
	require.NoError(t, err)

	assert.Error(t, s.LinkClaims(a.ID, b.ID, "believes"))
}
