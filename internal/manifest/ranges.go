package manifest

import "sort"

// ChunkRange pairs a chunk with the inclusive intra-chunk byte range needed
// to serve part of a plaintext range.
type ChunkRange struct {
	Descriptor ChunkDescriptor
	LocalStart int64
	LocalEnd   int64
}

// Len is the number of plaintext bytes the range contributes.
func (r ChunkRange) Len() int64 {
	return r.LocalEnd - r.LocalStart + 1
}

// Full reports whether the whole chunk is needed.
func (r ChunkRange) Full() bool {
	return r.LocalStart == 0 && r.LocalEnd == r.Descriptor.Size-1
}

// ChunksForRange returns the chunks overlapping the inclusive plaintext range
// [start, end], in ascending offset order, each with its local sub-range.
// The result is empty when the range is inverted or outside every chunk.
func ChunksForRange(descriptors []ChunkDescriptor, start, end int64) []ChunkRange {
	if start < 0 || end < start {
		return nil
	}

	ordered := descriptors
	if !sort.SliceIsSorted(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset }) {
		ordered = make([]ChunkDescriptor, len(descriptors))
		copy(ordered, descriptors)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })
	}

	var out []ChunkRange
	for _, d := range ordered {
		if d.Size <= 0 {
			continue
		}
		if d.Offset > end {
			break
		}
		if d.End() < start {
			continue
		}
		out = append(out, ChunkRange{
			Descriptor: d,
			LocalStart: max(0, start-d.Offset),
			LocalEnd:   min(d.Size-1, end-d.Offset),
		})
	}
	return out
}
