package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

const defaultHashDims = 1024

// HashEmbedder is a deterministic feature-hashing embedder. Each token is
// hashed to a signed bucket and the vector is L2-normalised, so cosine
// similarity approximates weighted token overlap.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return defaultHashDims
	}
	return h.Dims
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions()
	vec := make([]float32, dims)
	for _, tok := range tokenize(text) {
		f := fnv.New32a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum32()
		idx := int(sum % uint32(dims))
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "in": true, "is": true,
	"it": true, "for": true, "on": true, "with": true, "as": true, "an": true,
	"be": true, "by": true, "are": true, "this": true, "that": true, "or": true,
	"at": true, "from": true, "was": true, "what": true, "how": true,
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
}

// cosine assumes both vectors are normalised.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
