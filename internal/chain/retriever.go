package chain

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/whoshyam/maxim-cookbooks/internal/callbacks"
)

// KeywordRetriever ranks in-memory documents by query term overlap
type KeywordRetriever struct {
	name string
	docs []string
	k    int
}

// NewKeywordRetriever returns up to k documents per query; k <= 0 means 4
func NewKeywordRetriever(name string, docs []string, k int) *KeywordRetriever {
	if k <= 0 {
		k = 4
	}
	return &KeywordRetriever{name: name, docs: docs, k: k}
}

// Invoke returns the best matching documents, best first. Documents sharing
// no term with the query are never returned.
func (r *KeywordRetriever) Invoke(ctx context.Context, query string, opts ...Option) ([]string, error) {
	cfg := resolve(opts)
	ctx = withCallbacks(ctx, cfg)
	name := r.name
	if cfg.RunName != "" {
		name = cfg.RunName
	}
	run := callbacks.NewRun(ctx, name, callbacks.KindRetriever, nil)
	run.Tags = cfg.Tags
	h := callbacks.Resolve(ctx)
	if h != nil {
		h.OnRetrieverStart(ctx, run, query)
	}

	docs := r.search(query)
	if h != nil {
		h.OnRetrieverEnd(ctx, run, docs)
	}
	return docs, ctx.Err()
}

func (r *KeywordRetriever) search(query string) []string {
	terms := map[string]bool{}
	for _, t := range tokenize(query) {
		terms[t] = true
	}
	type hit struct {
		idx   int
		score int
	}
	var hits []hit
	for i, d := range r.docs {
		score := 0
		for _, t := range tokenize(d) {
			if terms[t] {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{i, score})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].score > hits[b].score })
	if len(hits) > r.k {
		hits = hits[:r.k]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, r.docs[h.idx])
	}
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
