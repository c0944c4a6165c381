package docindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	os.Exit(m.Run())
}

// fakeExtractor 返回预置文本并统计调用次数。
type fakeExtractor struct {
	texts map[string]string
	calls int32
}

func (f *fakeExtractor) ExtractFile(path string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	text, ok := f.texts[filepath.Base(path)]
	if !ok {
		return "", fmt.Errorf("no text for %s", path)
	}
	return text, nil
}

// fakeEmbedder 用首字母区分向量方向，便于构造可预期的余弦排序。
type fakeEmbedder struct {
	modelID string
	fail    bool
	vectors map[string][]float32
	calls   int32
}

func (f *fakeEmbedder) ModelID() string { return f.modelID }

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	atomic.AddInt32(&f.calls, 1)
	for key, vec := range f.vectors {
		if strings.Contains(text, key) {
			return vec, nil
		}
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedding backend down")
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		vec, err := f.CreateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func writeCorpus(t *testing.T, dir string, files map[string]string) *fakeExtractor {
	t.Helper()
	for name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("%PDF-1.4"), 0o644))
	}
	return &fakeExtractor{texts: files}
}

func testCorpusConfig(dir string) config.CorpusConfig {
	return config.CorpusConfig{
		Directory:        dir,
		MinPassageLength: 10,
		TopK:             3,
		MaxContextChars:  3000,
	}
}

func TestSearchRanksByCosineSimilarity(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"schemes.pdf": "alpha passage about crop insurance schemes\n\nbeta passage about pesticide safety rules",
	})
	embedder := &fakeEmbedder{
		modelID: "text-embedding-004",
		vectors: map[string][]float32{
			"alpha": {1, 0, 0},
			"beta":  {0, 1, 0},
			"query": {0.1, 0.9, 0},
		},
	}
	index := NewIndex(testCorpusConfig(dir), extractor, embedder)

	results := index.Search(context.Background(), "query", 2)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Passage.Text, "beta")
	assert.Contains(t, results[1].Passage.Text, "alpha")
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "schemes.pdf", results[0].Passage.Source)
}

func TestKeywordFallbackWhenEmbedderFails(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": "Tomato prices depend on the local mandi season\n\nWheat irrigation needs cold weather",
	})
	embedder := &fakeEmbedder{modelID: "text-embedding-004", fail: true}
	index := NewIndex(testCorpusConfig(dir), extractor, embedder)

	results := index.Search(context.Background(), "tomato mandi prices", 3)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Passage.Text, "Tomato")
	// 每个关键词最多计一分：tomato + mandi + prices。
	assert.Equal(t, float64(3), results[0].Score)

	// 无命中关键词时返回空结果而非错误。
	assert.Empty(t, index.Search(context.Background(), "submarine", 3))
}

func TestKeywordSearchWithoutEmbedder(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": "Pesticide dosage guidance for paddy fields",
	})
	index := NewIndex(testCorpusConfig(dir), extractor, nil)

	results := index.Search(context.Background(), "pesticide dosage", 3)
	require.Len(t, results, 1)
	assert.Equal(t, float64(2), results[0].Score)
}

func TestMissingDirectoryYieldsEmptyIndex(t *testing.T) {
	cfg := testCorpusConfig(filepath.Join(t.TempDir(), "does-not-exist"))
	index := NewIndex(cfg, &fakeExtractor{}, nil)

	require.NoError(t, index.Build(context.Background()))
	assert.Empty(t, index.Search(context.Background(), "anything", 3))
	assert.Equal(t, "", index.BuildContext(context.Background(), "anything"))
}

func TestShortAndBrokenFilesAreSkipped(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"good.pdf": "a passage long enough to make it into the index\n\ntiny",
	})
	// broken.pdf 没有预置文本，ExtractFile 会报错并被跳过。
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.pdf"), []byte("%PDF-1.4"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	index := NewIndex(testCorpusConfig(dir), extractor, nil)
	require.NoError(t, index.Build(context.Background()))

	passages, vectorBacked := index.Stats()
	assert.Equal(t, 1, passages)
	assert.False(t, vectorBacked)
}

func TestCacheRoundTripAndModelMismatch(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "cache", "index.json")
	files := map[string]string{"doc.pdf": "a single passage long enough to be indexed"}
	extractor := writeCorpus(t, dir, files)
	embedder := &fakeEmbedder{modelID: "text-embedding-004"}

	cfg := testCorpusConfig(dir)
	cfg.CachePath = cachePath
	require.NoError(t, NewIndex(cfg, extractor, embedder).Build(context.Background()))
	require.FileExists(t, cachePath)

	// 同模型的新实例直接命中缓存，不再触碰语料目录。
	cachedExtractor := &fakeExtractor{texts: files}
	cached := NewIndex(cfg, cachedExtractor, embedder)
	require.NoError(t, cached.Build(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&cachedExtractor.calls))
	passages, vectorBacked := cached.Stats()
	assert.Equal(t, 1, passages)
	assert.True(t, vectorBacked)

	// 模型变更后缓存失效，触发全量重建。
	otherExtractor := &fakeExtractor{texts: files}
	other := NewIndex(cfg, otherExtractor, &fakeEmbedder{modelID: "text-embedding-005"})
	require.NoError(t, other.Build(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&otherExtractor.calls))
}

func TestEmbedderFailureDoesNotPersistCache(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "index.json")
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": "a single passage long enough to be indexed",
	})

	cfg := testCorpusConfig(dir)
	cfg.CachePath = cachePath
	index := NewIndex(cfg, extractor, &fakeEmbedder{modelID: "text-embedding-004", fail: true})
	require.NoError(t, index.Build(context.Background()))

	_, vectorBacked := index.Stats()
	assert.False(t, vectorBacked)
	assert.NoFileExists(t, cachePath)
}

func TestBuildContextTruncation(t *testing.T) {
	dir := t.TempDir()
	long := strings.Repeat("irrigation schedule guidance ", 40)
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": long + "\n\n" + long + " second",
	})

	cfg := testCorpusConfig(dir)
	cfg.MaxContextChars = 100
	index := NewIndex(cfg, extractor, nil)

	contextText := index.BuildContext(context.Background(), "irrigation schedule")
	assert.True(t, strings.HasSuffix(contextText, "…[context truncated]"))
	assert.Len(t, []rune(strings.TrimSuffix(contextText, " …[context truncated]")), 100)
}

func TestBuildRunsAtMostOnce(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": "a single passage long enough to be indexed",
	})
	index := NewIndex(testCorpusConfig(dir), extractor, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			index.Search(context.Background(), "passage indexed", 3)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&extractor.calls))
}

func TestRebuildPicksUpNewCorpus(t *testing.T) {
	dir := t.TempDir()
	extractor := writeCorpus(t, dir, map[string]string{
		"doc.pdf": "a single passage long enough to be indexed",
	})
	index := NewIndex(testCorpusConfig(dir), extractor, nil)
	require.NoError(t, index.Build(context.Background()))

	extractor.texts["extra.pdf"] = "another passage long enough to be indexed"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.pdf"), []byte("%PDF-1.4"), 0o644))
	require.NoError(t, index.Rebuild(context.Background()))

	passages, _ := index.Stats()
	assert.Equal(t, 2, passages)
}
