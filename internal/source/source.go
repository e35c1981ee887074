package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/rtree"

	"github.com/oceanbits/overlay-engine/internal/geo"
)

// FeatureSource reads features from one remote indexed feature file. The
// envelope index is fetched once at open time; feature records are fetched
// lazily by byte range as iterators consume them.
type FeatureSource struct {
	url     string
	cache   *RangeCache
	log     *slog.Logger
	entries []indexEntry
	tree    rtree.RTreeG[int]
	dataOff int64
}

// OpenSource fetches and parses the header and envelope index of the file at
// url through the given range cache.
func OpenSource(ctx context.Context, cache *RangeCache, url string) (*FeatureSource, error) {
	header, err := cache.FetchRange(ctx, url, 0, headerSize)
	if err != nil {
		return nil, err
	}
	if len(header) < headerSize || string(header[:4]) != fileMagic {
		return nil, fmt.Errorf("open %s: not an indexed feature file", url)
	}
	count := int(uint32(header[4]) | uint32(header[5])<<8 | uint32(header[6])<<16 | uint32(header[7])<<24)

	s := &FeatureSource{
		url:     url,
		cache:   cache,
		log:     cache.log.With("component", "source", "url", url),
		dataOff: int64(headerSize + count*indexEntrySize),
	}
	if count == 0 {
		return s, nil
	}

	raw, err := cache.FetchRange(ctx, url, headerSize, s.dataOff)
	if err != nil {
		return nil, err
	}
	if len(raw) != count*indexEntrySize {
		return nil, fmt.Errorf("open %s: truncated index: got %d bytes, want %d", url, len(raw), count*indexEntrySize)
	}
	s.entries = make([]indexEntry, count)
	for i := 0; i < count; i++ {
		e := decodeIndexEntry(raw[i*indexEntrySize:])
		s.entries[i] = e
		s.tree.Insert([2]float64{e.minX, e.minY}, [2]float64{e.maxX, e.maxY}, i)
	}
	s.log.Debug("source opened", "features", count)
	return s, nil
}

// URL reports the remote file this source reads from.
func (s *FeatureSource) URL() string { return s.url }

// Count reports the number of features in the file.
func (s *FeatureSource) Count() int { return len(s.entries) }

// GetFeatures returns a lazy iterator over features whose envelopes overlap
// any of the query envelopes. A feature matched by several envelopes is
// yielded once. The iterator is finite and cannot be restarted.
func (s *FeatureSource) GetFeatures(ctx context.Context, envelopes []geo.Rect) *FeatureIterator {
	seen := make(map[int]struct{})
	var hits []int
	for _, env := range envelopes {
		s.tree.Search(
			[2]float64{env.MinX, env.MinY},
			[2]float64{env.MaxX, env.MaxY},
			func(_, _ [2]float64, i int) bool {
				if _, ok := seen[i]; !ok {
					seen[i] = struct{}{}
					hits = append(hits, i)
				}
				return true
			},
		)
	}
	// fetch in file order so adjacent records land in adjacent ranges
	sort.Slice(hits, func(a, b int) bool {
		return s.entries[hits[a]].offset < s.entries[hits[b]].offset
	})
	return &FeatureIterator{ctx: ctx, src: s, hits: hits, pos: -1}
}

// FeatureIterator yields matched features one at a time, fetching each record
// only when Next advances to it.
type FeatureIterator struct {
	ctx  context.Context
	src  *FeatureSource
	hits []int
	pos  int
	cur  *geojson.Feature
	err  error
}

// Next advances to the next feature. It returns false when the iterator is
// exhausted or a fetch or decode failed; check Err afterwards.
func (it *FeatureIterator) Next() bool {
	if it.err != nil {
		return false
	}
	it.pos++
	if it.pos >= len(it.hits) {
		return false
	}
	e := it.src.entries[it.hits[it.pos]]
	start := it.src.dataOff + int64(e.offset)
	raw, err := it.src.cache.FetchRange(it.ctx, it.src.url, start, start+int64(e.length))
	if err != nil {
		it.err = err
		return false
	}
	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		it.err = fmt.Errorf("decode feature at offset %d in %s: %w", e.offset, it.src.url, err)
		return false
	}
	it.cur = f
	return true
}

// Feature returns the feature Next advanced to.
func (it *FeatureIterator) Feature() *geojson.Feature { return it.cur }

// Err reports the first error the iterator hit, if any.
func (it *FeatureIterator) Err() error { return it.err }
