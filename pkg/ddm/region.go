package ddm

import (
	"fmt"

	"federate/pkg/types"
)

// RangeBound is one half-open interval [Lower, Upper) on a dimension.
type RangeBound struct {
	Lower uint64
	Upper uint64
}

func (b RangeBound) String() string {
	return fmt.Sprintf("[%d, %d)", b.Lower, b.Upper)
}

// Extent holds one RangeBound per dimension of its region's routing space,
// in the routing space's dimension order.
type Extent struct {
	Region types.RegionToken
	Bounds []RangeBound
}

func (e Extent) clone() Extent {
	return Extent{Region: e.Region, Bounds: append([]RangeBound(nil), e.Bounds...)}
}

// Region is a committed, read-only view of one region.
type Region struct {
	Token        types.RegionToken
	RoutingSpace types.RoutingSpaceHandle
	Extents      []Extent
}

func cloneExtents(in []Extent) []Extent {
	out := make([]Extent, len(in))
	for i, e := range in {
		out[i] = e.clone()
	}
	return out
}

type region struct {
	token types.RegionToken
	space types.RoutingSpaceHandle

	committed []Extent
	staged    []Extent // nil when nothing is staged

	temporary bool
	retired   bool // deleted while still referenced
	refs      int
}

func (r *region) view() Region {
	return Region{Token: r.token, RoutingSpace: r.space, Extents: cloneExtents(r.committed)}
}

// stage returns the staged extents, copying the committed ones on first use.
func (r *region) stage() []Extent {
	if r.staged == nil {
		r.staged = cloneExtents(r.committed)
	}
	return r.staged
}
