// Package index ranks skills against natural-language queries by embedding
// cosine similarity. Vectors are cached by content hash so unchanged skills
// are never re-embedded.
package index

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/HyphaGroup/reliquary/internal/metrics"
	"github.com/HyphaGroup/reliquary/internal/provider"
	"github.com/HyphaGroup/reliquary/internal/skills"
)

// Embedder turns texts into vectors. Implementations embed all texts in one
// call; the returned slice is index-aligned with the input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Entry is the cached embedding state for one skill. CodeVec is nil when the
// source was too short to embed or code weighting is disabled.
type Entry struct {
	Hash    string
	DescVec []float32
	CodeVec []float32
}

// VectorCache stores entries by skill name.
type VectorCache interface {
	Get(ctx context.Context, name string) (*Entry, bool, error)
	Put(ctx context.Context, name string, entry *Entry) error
	Delete(ctx context.Context, name string) error
	// Keep drops every entry whose name is not in names, reconciling the
	// cache with current library membership.
	Keep(ctx context.Context, names []string) error
}

// Options tunes ranking. Zero values fall back to defaults via New.
type Options struct {
	// DescriptionWeight scales the description similarity term.
	DescriptionWeight float64
	// CodeWeight scales the source similarity term. Zero disables code
	// embedding entirely.
	CodeWeight float64
	// MinCodeLength is the minimum source length worth embedding.
	MinCodeLength int
	// MinScore filters results below this combined score.
	MinScore float64
	// QueryPrefix and PassagePrefix implement asymmetric embedding
	// transforms for models trained with them.
	QueryPrefix   string
	PassagePrefix string
}

// DefaultOptions are tuned for e5-style embedding models.
func DefaultOptions() Options {
	return Options{
		DescriptionWeight: 0.7,
		CodeWeight:        0.3,
		MinCodeLength:     80,
		MinScore:          0.35,
		QueryPrefix:       "query: ",
		PassagePrefix:     "passage: ",
	}
}

// Index is a semantic skill ranker.
type Index struct {
	embedder Embedder
	cache    VectorCache
	opts     Options
}

// New creates an index over the given embedder and cache.
func New(embedder Embedder, cache VectorCache, opts Options) *Index {
	if opts.DescriptionWeight == 0 && opts.CodeWeight == 0 {
		opts = DefaultOptions()
	}
	return &Index{embedder: embedder, cache: cache, opts: opts}
}

// Search ranks the given skills against the query. An empty library returns
// an empty result without touching the embedder.
func (ix *Index) Search(ctx context.Context, library []provider.Skill, query string, limit int) ([]provider.ScoredSkill, error) {
	metrics.SkillsIndexed.Set(float64(len(library)))
	if len(library) == 0 {
		return nil, nil
	}

	entries, err := ix.ensure(ctx, library)
	if err != nil {
		return nil, err
	}

	qvecs, err := ix.embedder.Embed(ctx, []string{ix.opts.QueryPrefix + query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	qvec := qvecs[0]

	scored := make([]provider.ScoredSkill, 0, len(library))
	for _, skill := range library {
		entry := entries[skill.Name]
		if entry == nil {
			continue
		}
		score := ix.opts.DescriptionWeight * cosine(qvec, entry.DescVec)
		if entry.CodeVec != nil {
			score += ix.opts.CodeWeight * cosine(qvec, entry.CodeVec)
		}
		if score < ix.opts.MinScore {
			continue
		}
		scored = append(scored, provider.ScoredSkill{Skill: skill, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// ensure brings the cache up to date with the library and returns the entry
// for every skill. Only skills whose content hash changed are re-embedded.
func (ix *Index) ensure(ctx context.Context, library []provider.Skill) (map[string]*Entry, error) {
	entries := make(map[string]*Entry, len(library))
	names := make([]string, 0, len(library))

	type pending struct {
		skill provider.Skill
		hash  string
	}
	var stale []pending

	for _, skill := range library {
		names = append(names, skill.Name)
		hash := skills.ContentHash(skill.Description, skill.Source)
		entry, ok, err := ix.cache.Get(ctx, skill.Name)
		if err != nil {
			return nil, fmt.Errorf("cache get %s: %w", skill.Name, err)
		}
		if ok && entry.Hash == hash {
			metrics.RecordEmbeddingCache(true)
			entries[skill.Name] = entry
			continue
		}
		metrics.RecordEmbeddingCache(false)
		stale = append(stale, pending{skill: skill, hash: hash})
	}

	if len(stale) > 0 {
		// Batch all stale texts into one embedder call: descriptions first,
		// then the sources long enough to embed.
		var texts []string
		codeAt := make([]int, len(stale))
		for i, p := range stale {
			texts = append(texts, ix.opts.PassagePrefix+p.skill.Description)
			codeAt[i] = -1
		}
		for i, p := range stale {
			if ix.opts.CodeWeight > 0 && len(p.skill.Source) >= ix.opts.MinCodeLength {
				codeAt[i] = len(texts)
				texts = append(texts, ix.opts.PassagePrefix+p.skill.Source)
			}
		}

		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed skills: %w", err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}

		for i, p := range stale {
			entry := &Entry{Hash: p.hash, DescVec: vecs[i]}
			if codeAt[i] >= 0 {
				entry.CodeVec = vecs[codeAt[i]]
			}
			if err := ix.cache.Put(ctx, p.skill.Name, entry); err != nil {
				return nil, fmt.Errorf("cache put %s: %w", p.skill.Name, err)
			}
			entries[p.skill.Name] = entry
		}
	}

	if err := ix.cache.Keep(ctx, names); err != nil {
		return nil, fmt.Errorf("cache reconcile: %w", err)
	}
	return entries, nil
}

// Forget drops a skill's vectors after deletion.
func (ix *Index) Forget(ctx context.Context, name string) error {
	return ix.cache.Delete(ctx, name)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
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
