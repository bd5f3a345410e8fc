package models

import (
	"hlsfetch/internal/byterange"
	"hlsfetch/internal/m3u8"
)

// FetchPlan is the unit of work handed from the planner to the fetcher.
// Plans are produced and consumed in ascending sequence order.
type FetchPlan struct {
	// Segment is the playlist entry to fetch.
	Segment *m3u8.Segment
	// Range is the resolved byte range of the segment, or nil for a whole-resource request.
	Range *byterange.Range
	// RangeErr is set when the segment's byte range could not be resolved.
	// The fetcher logs it and skips the segment.
	RangeErr error
	// Map is the initialization section referenced by the segment, if any.
	Map *MapPlan
}

// Num returns the sequence number of the planned segment.
func (p *FetchPlan) Num() int64 {
	return p.Segment.Num
}

// MapPlan describes how to fetch an initialization section.
type MapPlan struct {
	// Identity is the cache key: URI plus byte range directive.
	Identity string
	URI      string
	Range    *byterange.Range
	// Err is set when the map's byte range could not be resolved on first sight.
	Err error
}
