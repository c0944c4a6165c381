// Package docindex 实现了语料库的语义索引与检索。
//
// 索引在进程内惰性构建且至多构建一次：并发到达的请求要么看到"未构建"
// 要么看到"构建完成"，不会看到半成品快照。向量化成功的快照会以 JSON
// 形式持久化到缓存文件，并以 embedding 模型标识为键；向量化失败则降级
// 为纯关键词索引，构建本身不会失败。
package docindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"krishi-mitra-go/internal/config"
	"krishi-mitra-go/pkg/log"
)

// TextExtractor 抽象文本提取能力（由 pkg/tika 实现）。
type TextExtractor interface {
	ExtractFile(path string) (string, error)
}

// Embedder 抽象向量化能力（由 pkg/embedding 实现）。
type Embedder interface {
	ModelID() string
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Passage 是索引中的一个段落级文本单元，创建后不再修改。
type Passage struct {
	// Source 是段落来源文件名。
	Source string `json:"source"`
	Text   string `json:"text"`
}

// Result 是一条检索结果。
type Result struct {
	Score   float64 `json:"score"`
	Passage Passage `json:"passage"`
}

// snapshot 是一次构建产出的完整索引快照。
// 不变式：要么完全没有向量（纯关键词模式），要么
// len(Passages) == len(Embeddings) 且逐位对应。
type snapshot struct {
	ModelID    string      `json:"model_id"`
	Passages   []Passage   `json:"passages"`
	Embeddings [][]float32 `json:"embeddings,omitempty"`
}

func (s *snapshot) vectorBacked() bool {
	return len(s.Embeddings) > 0 && len(s.Embeddings) == len(s.Passages)
}

const (
	defaultMinPassageLength = 40
	defaultTopK             = 3
	defaultMaxContextChars  = 3000
	embedBatchSize          = 64
)

// Index 持有语料索引的进程级状态。
type Index struct {
	cfg       config.CorpusConfig
	extractor TextExtractor
	embedder  Embedder

	// buildMu 保证构建至多执行一次；并发首次访问会阻塞到构建完成。
	buildMu sync.Mutex
	built   bool

	// snapMu 保护快照的读写。
	snapMu sync.RWMutex
	snap   *snapshot
}

// NewIndex 创建索引组件。embedder 可以为 nil，此时索引只支持关键词检索。
func NewIndex(cfg config.CorpusConfig, extractor TextExtractor, embedder Embedder) *Index {
	if cfg.MinPassageLength <= 0 {
		cfg.MinPassageLength = defaultMinPassageLength
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	return &Index{cfg: cfg, extractor: extractor, embedder: embedder}
}

// Build 惰性构建索引，进程内至多执行一次。
// 语料目录缺失、单个文件不可读、向量化后端不可用都只会降级索引，不会报错。
func (i *Index) Build(ctx context.Context) error {
	i.buildMu.Lock()
	defer i.buildMu.Unlock()
	if i.built {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	snap := i.loadOrBuild(ctx)

	i.snapMu.Lock()
	i.snap = snap
	i.snapMu.Unlock()
	i.built = true
	log.Infof("[DocIndex] 索引构建完成, 段落数: %d, 向量模式: %v", len(snap.Passages), snap.vectorBacked())
	return nil
}

// Rebuild 强制重新读取语料并原子替换快照（由 Kafka 重建任务触发）。
func (i *Index) Rebuild(ctx context.Context) error {
	i.buildMu.Lock()
	defer i.buildMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	// 重建前删除缓存工件，保证走全量构建路径。
	if i.cfg.CachePath != "" {
		_ = os.Remove(i.cfg.CachePath)
	}
	snap := i.loadOrBuild(ctx)

	i.snapMu.Lock()
	i.snap = snap
	i.snapMu.Unlock()
	i.built = true
	log.Infof("[DocIndex] 索引重建完成, 段落数: %d, 向量模式: %v", len(snap.Passages), snap.vectorBacked())
	return nil
}

// Stats 返回当前快照的段落数与是否为向量模式。
func (i *Index) Stats() (passages int, vectorBacked bool) {
	i.snapMu.RLock()
	defer i.snapMu.RUnlock()
	if i.snap == nil {
		return 0, false
	}
	return len(i.snap.Passages), i.snap.vectorBacked()
}

// loadOrBuild 优先加载有效缓存，否则全量构建。
func (i *Index) loadOrBuild(ctx context.Context) *snapshot {
	if cached := i.loadCache(); cached != nil {
		log.Infof("[DocIndex] 命中索引缓存, 段落数: %d, 模型: %s", len(cached.Passages), cached.ModelID)
		return cached
	}

	passages := i.collectPassages()
	snap := &snapshot{Passages: passages}
	if len(passages) == 0 {
		return snap
	}

	if i.embedder == nil || i.embedder.ModelID() == "" {
		log.Warn("[DocIndex] 未配置 embedding 模型, 索引以关键词模式运行")
		return snap
	}

	embeddings, err := i.embedAll(ctx, passages)
	if err != nil {
		// 向量化失败属于可降级故障：回退为纯关键词索引，不持久化缓存。
		log.Warnf("[DocIndex] 向量化失败, 回退为关键词索引: %v", err)
		return snap
	}
	snap.Embeddings = embeddings
	snap.ModelID = i.embedder.ModelID()

	i.saveCache(snap)
	return snap
}

// collectPassages 扫描语料目录，提取文本并按空行切分为段落。
// 顺序为文件名序 + 文件内段落序，仅用作并行数组的下标。
func (i *Index) collectPassages() []Passage {
	info, err := os.Stat(i.cfg.Directory)
	if err != nil || !info.IsDir() {
		log.Infof("[DocIndex] 语料目录 '%s' 不存在, 索引为空", i.cfg.Directory)
		return nil
	}

	entries, err := os.ReadDir(i.cfg.Directory)
	if err != nil {
		log.Warnf("[DocIndex] 读取语料目录失败: %v", err)
		return nil
	}

	var passages []Passage
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".pdf") {
			continue
		}
		text, err := i.extractor.ExtractFile(filepath.Join(i.cfg.Directory, name))
		if err != nil {
			// 单个文件不可读只跳过该文件。
			log.Warnf("[DocIndex] 提取文件 '%s' 失败, 跳过: %v", name, err)
			continue
		}
		for _, para := range splitParagraphs(text) {
			if len(para) < i.cfg.MinPassageLength {
				continue
			}
			passages = append(passages, Passage{Source: name, Text: para})
		}
	}
	log.Infof("[DocIndex] 语料扫描完成, 文件目录: %s, 段落数: %d", i.cfg.Directory, len(passages))
	return passages
}

var paragraphSplitter = regexp.MustCompile(`\n\s*\n`)

// splitParagraphs 按空行边界切分文本并去除首尾空白。
func splitParagraphs(text string) []string {
	raw := paragraphSplitter.Split(text, -1)
	paras := make([]string, 0, len(raw))
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paras = append(paras, trimmed)
		}
	}
	return paras
}

// embedAll 分批向量化所有段落，返回与段落同序同长的向量列表。
// 任何一批失败都会使整体失败（快照不允许部分向量化）。
func (i *Index) embedAll(ctx context.Context, passages []Passage) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(passages))
	for start := 0; start < len(passages); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(passages) {
			end = len(passages)
		}
		texts := make([]string, 0, end-start)
		for _, p := range passages[start:end] {
			texts = append(texts, p.Text)
		}
		vectors, err := i.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("向量化批次 [%d:%d] 失败: %w", start, end, err)
		}
		embeddings = append(embeddings, vectors...)
	}
	return embeddings, nil
}

// loadCache 尝试加载缓存工件；模型不匹配或内容损坏都视为未命中。
func (i *Index) loadCache() *snapshot {
	if i.cfg.CachePath == "" || i.embedder == nil || i.embedder.ModelID() == "" {
		return nil
	}
	data, err := os.ReadFile(i.cfg.CachePath)
	if err != nil {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Warnf("[DocIndex] 索引缓存损坏, 忽略并重建: %v", err)
		return nil
	}
	if snap.ModelID != i.embedder.ModelID() {
		log.Infof("[DocIndex] 索引缓存模型不匹配 (cache=%s, current=%s), 重建", snap.ModelID, i.embedder.ModelID())
		return nil
	}
	if !snap.vectorBacked() {
		return nil
	}
	return &snap
}

// saveCache 持久化向量化成功的快照；失败只记日志。
func (i *Index) saveCache(snap *snapshot) {
	if i.cfg.CachePath == "" {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Warnf("[DocIndex] 序列化索引缓存失败: %v", err)
		return
	}
	if dir := filepath.Dir(i.cfg.CachePath); dir != "" {
		_ = os.MkdirAll(dir, os.ModePerm)
	}
	if err := os.WriteFile(i.cfg.CachePath, data, 0o644); err != nil {
		log.Warnf("[DocIndex] 写入索引缓存失败: %v", err)
		return
	}
	log.Infof("[DocIndex] 索引缓存已写入: %s", i.cfg.CachePath)
}

// Search 检索与查询最相关的 topK 个段落。
// 向量可用时按余弦相似度排序；否则回退为关键词计数。语料为空或无命中
// 时返回空结果（非错误）。
func (i *Index) Search(ctx context.Context, query string, topK int) []Result {
	if err := i.Build(ctx); err != nil {
		return nil
	}
	if topK <= 0 {
		topK = i.cfg.TopK
	}

	i.snapMu.RLock()
	snap := i.snap
	i.snapMu.RUnlock()
	if snap == nil || len(snap.Passages) == 0 {
		return nil
	}

	if snap.vectorBacked() {
		queryVector, err := i.embedder.CreateEmbedding(ctx, query)
		if err != nil {
			// 查询向量化失败也回退到关键词检索。
			log.Warnf("[DocIndex] 查询向量化失败, 回退关键词检索: %v", err)
			return keywordSearch(snap, query, topK)
		}
		return cosineSearch(snap, queryVector, topK)
	}
	return keywordSearch(snap, query, topK)
}

// BuildContext 将检索结果拼接为生成上下文，超出预算时截断并附截断标记。
func (i *Index) BuildContext(ctx context.Context, query string) string {
	results := i.Search(ctx, query, i.cfg.TopK)
	if len(results) == 0 {
		return ""
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Passage.Text)
	}
	joined := strings.Join(texts, "\n\n")
	runes := []rune(joined)
	if len(runes) <= i.cfg.MaxContextChars {
		return joined
	}
	return string(runes[:i.cfg.MaxContextChars]) + " …[context truncated]"
}

// cosineSearch 对所有段落按余弦相似度打分并取 topK。
func cosineSearch(snap *snapshot, queryVector []float32, topK int) []Result {
	scored := make([]Result, 0, len(snap.Passages))
	for idx, p := range snap.Passages {
		scored = append(scored, Result{
			Score:   cosineSimilarity(queryVector, snap.Embeddings[idx]),
			Passage: p,
		})
	}
	// 稳定排序：同分时保持原始段落顺序。
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// keywordSearch 按查询关键词出现数打分，仅保留得分大于 0 的段落。
func keywordSearch(snap *snapshot, query string, topK int) []Result {
	keywords := collectKeywords(query)
	if len(keywords) == 0 {
		return nil
	}

	var scored []Result
	for _, p := range snap.Passages {
		lowered := strings.ToLower(p.Text)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lowered, kw) {
				score++
			}
		}
		if score > 0 {
			scored = append(scored, Result{Score: float64(score), Passage: p})
		}
	}
	sort.SliceStable(scored, func(a, b int) bool { return scored[a].Score > scored[b].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// collectKeywords 将查询切分为长度大于 2 的小写关键词。
func collectKeywords(query string) []string {
	var keywords []string
	for _, word := range strings.Fields(query) {
		word = strings.ToLower(strings.TrimSpace(word))
		if len(word) > 2 {
			keywords = append(keywords, word)
		}
	}
	return keywords
}

// cosineSimilarity 计算 dot(a,b) / (||a||·||b||)，向量为零时返回 0。
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
