package source

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/paulmach/orb/geojson"
)

// Indexed feature file layout:
//
//	magic "OVF1" (4 bytes)
//	feature count, uint32 LE (4 bytes)
//	count * 44-byte index entries:
//	  minX, minY, maxX, maxY  float64 LE
//	  offset                  uint64 LE, relative to the data section
//	  length                  uint32 LE
//	data section: concatenated GeoJSON feature records
//
// The index is small enough to fetch in one range request, after which
// individual features are fetched by offset on demand.
const (
	fileMagic      = "OVF1"
	headerSize     = 8
	indexEntrySize = 44
)

type indexEntry struct {
	minX, minY, maxX, maxY float64
	offset                 uint64
	length                 uint32
}

// Encode writes features to w in the indexed feature file layout. Used by
// tests and by the ingest tooling that prepares clipping sources.
func Encode(w io.Writer, features []*geojson.Feature) error {
	if len(features) > math.MaxUint32 {
		return fmt.Errorf("too many features: %d", len(features))
	}

	records := make([][]byte, len(features))
	entries := make([]indexEntry, len(features))
	var offset uint64
	for i, f := range features {
		if f == nil || f.Geometry == nil {
			return fmt.Errorf("feature %d has no geometry", i)
		}
		rec, err := f.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode feature %d: %w", i, err)
		}
		b := f.Geometry.Bound()
		records[i] = rec
		entries[i] = indexEntry{
			minX:   b.Min[0],
			minY:   b.Min[1],
			maxX:   b.Max[0],
			maxY:   b.Max[1],
			offset: offset,
			length: uint32(len(rec)),
		}
		offset += uint64(len(rec))
	}

	var buf bytes.Buffer
	buf.WriteString(fileMagic)
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(features))); err != nil {
		return err
	}
	for _, e := range entries {
		for _, v := range []float64{e.minX, e.minY, e.maxX, e.maxY} {
			if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if err := binary.Write(&buf, binary.LittleEndian, e.offset); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, e.length); err != nil {
			return err
		}
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

func decodeIndexEntry(b []byte) indexEntry {
	return indexEntry{
		minX:   math.Float64frombits(binary.LittleEndian.Uint64(b[0:])),
		minY:   math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
		maxX:   math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		maxY:   math.Float64frombits(binary.LittleEndian.Uint64(b[24:])),
		offset: binary.LittleEndian.Uint64(b[32:]),
		length: binary.LittleEndian.Uint32(b[40:]),
	}
}
