// Package simindex provides an exact nearest-neighbor index over
// L2-normalized image embeddings. For normalized vectors the inner
// product equals cosine similarity, so a flat scan gives exact top-k.
package simindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex/log"
)

const fileMagic = 0x45434958 // "ECIX"

// Match is one search hit.
type Match struct {
	ReportSeq int64
	Score     float32
}

// Index is a flat inner-product index. Safe for concurrent use: searches
// share a read lock, inserts and saves take the write lock.
type Index struct {
	mu   sync.RWMutex
	dim  int
	ids  []int64
	vecs []float32 // len(ids) * dim, row-major
	path string
}

// New creates an empty index for dim-sized vectors persisted at path.
func New(path string, dim int) *Index {
	return &Index{dim: dim, path: path}
}

// Load opens the index file at path. A missing file yields an empty index.
// A file built for a different dimension is discarded and the index starts
// empty, so model upgrades do not need a migration step.
func Load(path string, dim int) (*Index, error) {
	idx := New(path, dim)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("No similarity index at %s, starting empty", path)
			return idx, nil
		}
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	var header struct {
		Magic uint32
		Dim   uint32
		Count uint64
	}
	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read index header: %w", err)
	}
	if header.Magic != fileMagic {
		return nil, fmt.Errorf("bad index file magic %#x", header.Magic)
	}
	if int(header.Dim) != dim {
		log.Warnf("Index at %s has dimension %d, want %d, resetting", path, header.Dim, dim)
		return idx, nil
	}

	ids := make([]int64, header.Count)
	if err := binary.Read(f, binary.LittleEndian, ids); err != nil {
		return nil, fmt.Errorf("failed to read index ids: %w", err)
	}
	vecs := make([]float32, int(header.Count)*dim)
	if err := binary.Read(f, binary.LittleEndian, vecs); err != nil {
		return nil, fmt.Errorf("failed to read index vectors: %w", err)
	}

	idx.ids = ids
	idx.vecs = vecs
	log.Infof("Loaded similarity index with %d vectors from %s", len(ids), path)
	return idx, nil
}

// Len returns the number of stored vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.ids)
}

// Add inserts one normalized vector keyed by report seq.
func (idx *Index) Add(reportSeq int64, vec []float32) error {
	if len(vec) != idx.dim {
		return fmt.Errorf("vector has dimension %d, index wants %d", len(vec), idx.dim)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.ids = append(idx.ids, reportSeq)
	idx.vecs = append(idx.vecs, vec...)
	return nil
}

// Search returns up to k nearest neighbors of the query by inner product,
// best first. An empty index returns no matches.
func (idx *Index) Search(query []float32, k int) ([]Match, error) {
	if len(query) != idx.dim {
		return nil, fmt.Errorf("query has dimension %d, index wants %d", len(query), idx.dim)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, len(idx.ids))
	for i, id := range idx.ids {
		row := idx.vecs[i*idx.dim : (i+1)*idx.dim]
		var dot float32
		for j, q := range query {
			dot += q * row[j]
		}
		matches = append(matches, Match{ReportSeq: id, Score: dot})
	}

	sort.Slice(matches, func(a, b int) bool { return matches[a].Score > matches[b].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Save writes the index to its file atomically: a temp file in the same
// directory is renamed over the target, so readers never see a torn write.
func (idx *Index) Save() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	dir := filepath.Dir(idx.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(idx.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	header := struct {
		Magic uint32
		Dim   uint32
		Count uint64
	}{fileMagic, uint32(idx.dim), uint64(len(idx.ids))}

	if err := binary.Write(tmp, binary.LittleEndian, header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index header: %w", err)
	}
	if err := binary.Write(tmp, binary.LittleEndian, idx.ids); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index ids: %w", err)
	}
	if err := binary.Write(tmp, binary.LittleEndian, idx.vecs); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index vectors: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index file: %w", err)
	}

	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

// Normalize scales v to unit L2 norm in place and returns it. A zero
// vector cannot be normalized and is reported as an error.
func Normalize(v []float32) ([]float32, error) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return nil, fmt.Errorf("cannot normalize zero vector")
	}

	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}
