package index

import (
	"context"
	"strings"
	"testing"

	"github.com/HyphaGroup/reliquary/internal/provider"
)

// fakeEmbedder maps texts onto a tiny topic space so similar subjects get
// similar vectors.
type fakeEmbedder struct {
	calls int
	texts []string
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.texts = append(f.texts, texts...)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 3)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "csv") {
			vec[0] = 1
		}
		if strings.Contains(lower, "web") {
			vec[1] = 1
		}
		if strings.Contains(lower, "mail") {
			vec[2] = 1
		}
		if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 {
			vec[0], vec[1], vec[2] = 0.1, 0.1, 0.1
		}
		out[i] = vec
	}
	return out, nil
}

func testSkills() []provider.Skill {
	return []provider.Skill{
		{Name: "parse_csv", Description: "parse csv files into rows", Source: "def run(path):\n    return path"},
		{Name: "scrape", Description: "fetch web pages", Source: "def run(url):\n    return url"},
		{Name: "send_mail", Description: "send mail to a recipient", Source: "def run(to):\n    return to"},
	}
}

func newTestIndex(embedder Embedder) *Index {
	opts := DefaultOptions()
	opts.MinScore = 0.1
	opts.MinCodeLength = 10
	return New(embedder, NewMemoryCache(), opts)
}

func TestSearchRanksByRelevance(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndex(emb)

	results, err := ix.Search(context.Background(), testSkills(), "work with csv data", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Search() returned no results")
	}
	if results[0].Name != "parse_csv" {
		t.Errorf("top result = %s (%.2f), want parse_csv", results[0].Name, results[0].Score)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
}

func TestSearchLimit(t *testing.T) {
	ix := newTestIndex(&fakeEmbedder{})
	results, err := ix.Search(context.Background(), testSkills(), "csv web mail", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) > 1 {
		t.Errorf("Search(limit=1) returned %d results", len(results))
	}
}

func TestSearchMinScoreFilters(t *testing.T) {
	emb := &fakeEmbedder{}
	opts := DefaultOptions()
	opts.MinScore = 0.99
	ix := New(emb, NewMemoryCache(), opts)

	results, err := ix.Search(context.Background(), testSkills(), "completely unrelated topic", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("Search() = %d results below threshold, want 0", len(results))
	}
}

func TestEmptyLibrarySkipsEmbedder(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndex(emb)

	results, err := ix.Search(context.Background(), nil, "anything", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("Search(empty library) = %v, want empty", results)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for empty library, want 0", emb.calls)
	}
}

func TestCacheHitSkipsReembedding(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndex(emb)
	library := testSkills()

	if _, err := ix.Search(context.Background(), library, "csv", 10); err != nil {
		t.Fatal(err)
	}
	callsAfterFirst := emb.calls

	if _, err := ix.Search(context.Background(), library, "csv again", 10); err != nil {
		t.Fatal(err)
	}
	// Second search only embeds the query.
	if emb.calls != callsAfterFirst+1 {
		t.Errorf("embedder calls = %d after cached search, want %d", emb.calls, callsAfterFirst+1)
	}
}

func TestChangedSkillReembedded(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndex(emb)
	library := testSkills()

	if _, err := ix.Search(context.Background(), library, "csv", 10); err != nil {
		t.Fatal(err)
	}

	library[0].Description = "parse csv files and also tsv"
	before := len(emb.texts)
	if _, err := ix.Search(context.Background(), library, "csv", 10); err != nil {
		t.Fatal(err)
	}

	var reembedded bool
	for _, text := range emb.texts[before:] {
		if strings.Contains(text, "also tsv") {
			reembedded = true
		}
	}
	if !reembedded {
		t.Error("changed skill was not re-embedded")
	}
}

func TestAsymmetricPrefixes(t *testing.T) {
	emb := &fakeEmbedder{}
	ix := newTestIndex(emb)

	if _, err := ix.Search(context.Background(), testSkills()[:1], "find csv", 10); err != nil {
		t.Fatal(err)
	}

	var sawQuery, sawPassage bool
	for _, text := range emb.texts {
		if strings.HasPrefix(text, "query: ") {
			sawQuery = true
		}
		if strings.HasPrefix(text, "passage: ") {
			sawPassage = true
		}
	}
	if !sawQuery || !sawPassage {
		t.Errorf("prefixes missing: query=%v passage=%v", sawQuery, sawPassage)
	}
}

func TestKeepDropsRemovedSkills(t *testing.T) {
	emb := &fakeEmbedder{}
	cache := NewMemoryCache()
	opts := DefaultOptions()
	opts.MinScore = 0.1
	ix := New(emb, cache, opts)

	library := testSkills()
	if _, err := ix.Search(context.Background(), library, "csv", 10); err != nil {
		t.Fatal(err)
	}

	if _, err := ix.Search(context.Background(), library[:1], "csv", 10); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cache.Get(context.Background(), "send_mail"); ok {
		t.Error("cache kept entry for removed skill send_mail")
	}
	if _, ok, _ := cache.Get(context.Background(), "parse_csv"); !ok {
		t.Error("cache dropped entry for surviving skill parse_csv")
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("cosine(identical) = %v, want 1", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("cosine(orthogonal) = %v, want 0", got)
	}
	if got := cosine(nil, []float32{1}); got != 0 {
		t.Errorf("cosine(mismatched) = %v, want 0", got)
	}
}

func TestSQLiteCacheRoundTrip(t *testing.T) {
	cache, err := NewSQLiteCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteCache() error = %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	entry := &Entry{Hash: "abc", DescVec: []float32{0.25, -1.5}, CodeVec: []float32{3}}
	if err := cache.Put(ctx, "skill_a", entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok, err := cache.Get(ctx, "skill_a")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v, %v", got, ok, err)
	}
	if got.Hash != "abc" || got.DescVec[0] != 0.25 || got.DescVec[1] != -1.5 || got.CodeVec[0] != 3 {
		t.Errorf("Get() = %+v, want round-tripped entry", got)
	}

	// No code vector stored means none returned.
	if err := cache.Put(ctx, "skill_b", &Entry{Hash: "def", DescVec: []float32{1}}); err != nil {
		t.Fatal(err)
	}
	got, _, _ = cache.Get(ctx, "skill_b")
	if got.CodeVec != nil {
		t.Errorf("skill_b CodeVec = %v, want nil", got.CodeVec)
	}

	if err := cache.Keep(ctx, []string{"skill_b"}); err != nil {
		t.Fatalf("Keep() error = %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "skill_a"); ok {
		t.Error("Keep() retained skill_a")
	}

	if err := cache.Delete(ctx, "skill_b"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cache.Get(ctx, "skill_b"); ok {
		t.Error("Delete() retained skill_b")
	}
}
