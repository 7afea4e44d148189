// Package retrieval provides hybrid keyword and vector lookup over
// session datasets, reports and reference notes. Hits are fused with
// reciprocal rank fusion and returned as citations.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// GlobalScope marks documents visible to every session.
	GlobalScope = "global"

	defaultRRFK          = 60
	defaultMinSimilarity = 0.1
	snippetLen           = 240
)

type Document struct {
	ID    string
	Title string
	Text  string
	// Source is a short locator such as "dataset:scores" or a file path.
	Source string
	// SessionID scopes the document; empty means global.
	SessionID string
}

type Citation struct {
	DocumentID  string  `json:"document_id"`
	Title       string  `json:"title"`
	Source      string  `json:"source"`
	Snippet     string  `json:"snippet"`
	Score       float64 `json:"score"`
	KeywordRank int     `json:"keyword_rank,omitempty"`
	VectorRank  int     `json:"vector_rank,omitempty"`
}

type Config struct {
	// Path is the on-disk index directory; empty keeps the index in memory.
	Path     string
	Embedder Embedder
	// RRFK is the reciprocal rank fusion constant.
	RRFK int
	// MinSimilarity drops vector hits below this cosine similarity.
	MinSimilarity float64
	Logger        *slog.Logger
}

type indexedDoc struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Source string `json:"source"`
	Scope  string `json:"scope"`
}

type Augmentor struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	index   bleve.Index
	docs    map[string]indexedDoc
	vectors map[string][]float32
}

func New(ctx context.Context, cfg Config) (*Augmentor, error) {
	if cfg.Embedder == nil {
		cfg.Embedder = HashEmbedder{}
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = defaultRRFK
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = defaultMinSimilarity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	index, err := openIndex(cfg.Path)
	if err != nil {
		return nil, err
	}
	a := &Augmentor{
		cfg:     cfg,
		logger:  logger,
		index:   index,
		docs:    make(map[string]indexedDoc),
		vectors: make(map[string][]float32),
	}
	if err := a.reload(ctx); err != nil {
		index.Close()
		return nil, err
	}
	return a, nil
}

func openIndex(path string) (bleve.Index, error) {
	if path == "" {
		idx, err := bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create memory index: %w", err)
		}
		return idx, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		idx, err := bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create bleve index: %w", err)
		}
		return idx, nil
	}
	idx, err := bleve.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}
	return idx, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	keywordField := bleve.NewKeywordFieldMapping()

	docMapping.AddFieldMappingsAt("title", textField)
	docMapping.AddFieldMappingsAt("text", textField)
	docMapping.AddFieldMappingsAt("source", keywordField)
	docMapping.AddFieldMappingsAt("scope", keywordField)
	docMapping.AddFieldMappingsAt("id", keywordField)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = docMapping
	im.DefaultAnalyzer = standard.Name
	return im
}

// reload rebuilds the in-memory vector side from stored documents.
func (a *Augmentor) reload(ctx context.Context) error {
	count, err := a.index.DocCount()
	if err != nil {
		return fmt.Errorf("count documents: %w", err)
	}
	if count == 0 {
		return nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = []string{"*"}
	res, err := a.index.SearchInContext(ctx, req)
	if err != nil {
		return fmt.Errorf("load documents: %w", err)
	}
	for _, hit := range res.Hits {
		doc := docFromFields(hit.ID, hit.Fields)
		vec, err := a.cfg.Embedder.Embed(ctx, doc.Title+"\n"+doc.Text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", hit.ID, err)
		}
		a.docs[hit.ID] = doc
		a.vectors[hit.ID] = vec
	}
	a.logger.Info("retrieval: index loaded", "documents", len(a.docs))
	return nil
}

func docFromFields(id string, fields map[string]any) indexedDoc {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	return indexedDoc{ID: id, Title: str("title"), Text: str("text"), Source: str("source"), Scope: str("scope")}
}

// Index adds or replaces a document.
func (a *Augmentor) Index(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return errors.New("retrieval: document id is required")
	}
	if strings.TrimSpace(doc.Text) == "" && strings.TrimSpace(doc.Title) == "" {
		return errors.New("retrieval: document is empty")
	}
	scope := doc.SessionID
	if scope == "" {
		scope = GlobalScope
	}
	vec, err := a.cfg.Embedder.Embed(ctx, doc.Title+"\n"+doc.Text)
	if err != nil {
		return fmt.Errorf("embed document: %w", err)
	}
	d := indexedDoc{ID: doc.ID, Title: doc.Title, Text: doc.Text, Source: doc.Source, Scope: scope}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.index.Index(doc.ID, d); err != nil {
		return fmt.Errorf("index document: %w", err)
	}
	a.docs[doc.ID] = d
	a.vectors[doc.ID] = vec
	return nil
}

func (a *Augmentor) Remove(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.index.Delete(id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	delete(a.docs, id)
	delete(a.vectors, id)
	return nil
}

// IndexDir indexes every .md and .txt file under dir as a global document.
func (a *Augmentor) IndexDir(ctx context.Context, dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		doc := Document{
			ID:     "file:" + filepath.ToSlash(rel),
			Title:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Text:   string(data),
			Source: path,
		}
		if err := a.Index(ctx, doc); err != nil {
			a.logger.Warn("retrieval: skipping file", "path", path, "error", err)
			return nil
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("index dir %s: %w", dir, err)
	}
	return n, nil
}

// Search looks up global documents only.
func (a *Augmentor) Search(ctx context.Context, q string, k int) ([]Citation, error) {
	return a.SearchSession(ctx, "", q, k)
}

// SearchSession looks up global documents plus those scoped to sessionID.
// An empty result is returned as nil.
func (a *Augmentor) SearchSession(ctx context.Context, sessionID, q string, k int) ([]Citation, error) {
	if k <= 0 || strings.TrimSpace(q) == "" {
		return nil, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	keyword, err := a.keywordHits(ctx, sessionID, q, k*2)
	if err != nil {
		return nil, err
	}
	vector, err := a.vectorHits(ctx, sessionID, q, k*2)
	if err != nil {
		return nil, err
	}
	return a.fuse(keyword, vector, k), nil
}

func (a *Augmentor) keywordHits(ctx context.Context, sessionID, q string, size int) ([]string, error) {
	title := bleve.NewMatchQuery(q)
	title.SetField("title")
	text := bleve.NewMatchQuery(q)
	text.SetField("text")
	match := bleve.NewDisjunctionQuery(title, text)

	global := bleve.NewTermQuery(GlobalScope)
	global.SetField("scope")
	scopes := []query.Query{global}
	if sessionID != "" {
		own := bleve.NewTermQuery(sessionID)
		own.SetField("scope")
		scopes = append(scopes, own)
	}
	full := bleve.NewConjunctionQuery(match, bleve.NewDisjunctionQuery(scopes...))

	req := bleve.NewSearchRequest(full)
	req.Size = size
	res, err := a.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func (a *Augmentor) vectorHits(ctx context.Context, sessionID, q string, size int) ([]string, error) {
	qv, err := a.cfg.Embedder.Embed(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	type scored struct {
		id  string
		sim float64
	}
	var hits []scored
	for id, vec := range a.vectors {
		scope := a.docs[id].Scope
		if scope != GlobalScope && scope != sessionID {
			continue
		}
		if sim := cosine(qv, vec); sim >= a.cfg.MinSimilarity {
			hits = append(hits, scored{id, sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > size {
		hits = hits[:size]
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	return ids, nil
}

// fuse merges two ranked id lists with reciprocal rank fusion.
func (a *Augmentor) fuse(keyword, vector []string, k int) []Citation {
	byID := make(map[string]*Citation)
	add := func(ids []string, setRank func(*Citation, int)) {
		for i, id := range ids {
			c, ok := byID[id]
			if !ok {
				d := a.docs[id]
				c = &Citation{DocumentID: id, Title: d.Title, Source: d.Source, Snippet: snippet(d.Text)}
				byID[id] = c
			}
			c.Score += 1 / float64(a.cfg.RRFK+i+1)
			setRank(c, i+1)
		}
	}
	add(keyword, func(c *Citation, r int) { c.KeywordRank = r })
	add(vector, func(c *Citation, r int) { c.VectorRank = r })

	if len(byID) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func snippet(text string) string {
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= snippetLen {
		return string(runes)
	}
	cut := string(runes[:snippetLen])
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

// Count returns the number of indexed documents.
func (a *Augmentor) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.docs)
}

func (a *Augmentor) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.Close()
}
