// Package snapshot saves and restores the identity registry and the region
// table as one ordered record stream, and archives saved streams by label.
//
// Stream layout after the header:
//
//	[next-object-handle][next-region-token]
//	[mapping-count]([federation-id][local-id])...
//	[region-count]([token][routing-space][extent-count]([region][dimension-count]([lower][upper])...)...)...
package snapshot

import (
	"fmt"

	"federate/pkg/ddm"
	"federate/pkg/identity"
	"federate/pkg/rtierr"
	"federate/pkg/types"
	"federate/pkg/wire"

	"go.uber.org/zap"
)

const (
	Magic   uint32 = 0x48534e50 // "HSNP"
	Version uint16 = 1
)

// Record ids.
const (
	idMagic   uint16 = 1
	idVersion uint16 = 2

	idNextObject uint16 = 10
	idNextRegion uint16 = 11

	idMappingCount uint16 = 20
	idFederation   uint16 = 21
	idLocal        uint16 = 22

	idRegionCount  uint16 = 30
	idRegionToken  uint16 = 31
	idRoutingSpace uint16 = 32
	idExtentCount  uint16 = 33
	idExtentRegion uint16 = 34
	idDimCount     uint16 = 35
	idLower        uint16 = 36
	idUpper        uint16 = 37
)

// u64 record size, used to bound element counts against the remaining input.
const u64Len = wire.HeaderLen + 8

// State is a decoded snapshot.
type State struct {
	Registry identity.State
	Regions  []ddm.Region
}

// Encode writes st in stream order.
func Encode(st State) []byte {
	var w wire.Writer
	w.U32(idMagic, Magic)
	w.U16(idVersion, Version)

	w.U64(idNextObject, uint64(st.Registry.NextObject))
	w.U64(idNextRegion, uint64(st.Registry.NextRegion))

	w.U64(idMappingCount, uint64(len(st.Registry.Mappings)))
	for _, m := range st.Registry.Mappings {
		w.U64(idFederation, uint64(m.Federation))
		w.U64(idLocal, uint64(m.Local))
	}

	w.U64(idRegionCount, uint64(len(st.Regions)))
	for _, r := range st.Regions {
		w.U64(idRegionToken, uint64(r.Token))
		w.U64(idRoutingSpace, uint64(r.RoutingSpace))
		w.U64(idExtentCount, uint64(len(r.Extents)))
		for _, e := range r.Extents {
			w.U64(idExtentRegion, uint64(e.Region))
			w.U64(idDimCount, uint64(len(e.Bounds)))
			for _, b := range e.Bounds {
				w.U64(idLower, b.Lower)
				w.U64(idUpper, b.Upper)
			}
		}
	}
	return w.Bytes()
}

// Decode parses a full stream. Any truncation, unexpected record or trailing
// data fails with CouldNotDecode.
func Decode(b []byte) (State, error) {
	const op = "snapshot.Decode"

	r := wire.NewReader(b)
	if magic := r.U32(idMagic); r.Err() == nil && magic != Magic {
		return State{}, rtierr.New(rtierr.CouldNotDecode, op, "bad magic %#x", magic)
	}
	if v := r.U16(idVersion); r.Err() == nil && v != Version {
		return State{}, rtierr.New(rtierr.CouldNotDecode, op, "unsupported version %d", v)
	}

	var st State
	st.Registry.NextObject = types.Handle(r.U64(idNextObject))
	st.Registry.NextRegion = types.RegionToken(r.U64(idNextRegion))

	n := r.Count(idMappingCount, 2*u64Len)
	if n > 0 {
		st.Registry.Mappings = make([]identity.Mapping, 0, n)
	}
	for i := 0; i < n && r.Err() == nil; i++ {
		fed := types.FederationID(r.U64(idFederation))
		local := types.Handle(r.U64(idLocal))
		st.Registry.Mappings = append(st.Registry.Mappings, identity.Mapping{Federation: fed, Local: local})
	}

	n = r.Count(idRegionCount, 3*u64Len)
	for i := 0; i < n && r.Err() == nil; i++ {
		reg := ddm.Region{
			Token:        types.RegionToken(r.U64(idRegionToken)),
			RoutingSpace: types.RoutingSpaceHandle(r.U64(idRoutingSpace)),
		}
		extents := r.Count(idExtentCount, 2*u64Len)
		for j := 0; j < extents && r.Err() == nil; j++ {
			e := ddm.Extent{Region: types.RegionToken(r.U64(idExtentRegion))}
			dims := r.Count(idDimCount, 2*u64Len)
			for k := 0; k < dims && r.Err() == nil; k++ {
				lower := r.U64(idLower)
				upper := r.U64(idUpper)
				e.Bounds = append(e.Bounds, ddm.RangeBound{Lower: lower, Upper: upper})
			}
			reg.Extents = append(reg.Extents, e)
		}
		st.Regions = append(st.Regions, reg)
	}

	if err := r.Err(); err != nil {
		return State{}, rtierr.Wrap(rtierr.CouldNotDecode, op, err)
	}
	if r.Remaining() != 0 {
		return State{}, rtierr.New(rtierr.CouldNotDecode, op, "%d trailing bytes", r.Remaining())
	}
	return st, nil
}

// Validate checks the cross-table constraints a stream must satisfy.
func (st State) Validate() error {
	if err := st.Registry.Validate(); err != nil {
		return err
	}
	for _, r := range st.Regions {
		if r.Token >= st.Registry.NextRegion {
			return fmt.Errorf("region %d not below next region token %d", r.Token, st.Registry.NextRegion)
		}
	}
	return nil
}

// Registry is the identity table as seen by the codec.
type Registry interface {
	Snapshot() identity.State
	Restore(identity.State) error
}

// Regions is the region table as seen by the codec.
type Regions interface {
	Snapshot() []ddm.Region
	Validate([]ddm.Region) error
	Restore([]ddm.Region) error
}

// Codec saves and restores the tables of one federate session.
type Codec struct {
	registry Registry
	regions  Regions
	maxSize  int64
	logger   *zap.Logger
}

// NewCodec creates a codec. maxSize bounds accepted streams; zero means no limit.
func NewCodec(registry Registry, regions Regions, maxSize int64, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{registry: registry, regions: regions, maxSize: maxSize, logger: logger}
}

// Save captures both tables.
func (c *Codec) Save() ([]byte, error) {
	st := State{Registry: c.registry.Snapshot(), Regions: c.regions.Snapshot()}
	b := Encode(st)
	if c.maxSize > 0 && int64(len(b)) > c.maxSize {
		return nil, rtierr.New(rtierr.InternalError, "snapshot.Save", "snapshot is %d bytes, limit %d", len(b), c.maxSize)
	}

	c.logger.Info("Snapshot saved",
		zap.Int("bytes", len(b)),
		zap.Int("mappings", len(st.Registry.Mappings)),
		zap.Int("regions", len(st.Regions)))
	return b, nil
}

// Restore decodes b completely and validates it against both tables before
// replacing either, so a failed restore leaves everything untouched.
func (c *Codec) Restore(b []byte) error {
	const op = "snapshot.Restore"

	if c.maxSize > 0 && int64(len(b)) > c.maxSize {
		return rtierr.New(rtierr.CouldNotDecode, op, "snapshot is %d bytes, limit %d", len(b), c.maxSize)
	}
	st, err := Decode(b)
	if err != nil {
		return err
	}
	if err := st.Validate(); err != nil {
		return rtierr.Wrap(rtierr.CouldNotDecode, op, err)
	}
	if err := c.regions.Validate(st.Regions); err != nil {
		return err
	}

	if err := c.registry.Restore(st.Registry); err != nil {
		return rtierr.Internal(op, err)
	}
	if err := c.regions.Restore(st.Regions); err != nil {
		return rtierr.Internal(op, err)
	}

	c.logger.Info("Snapshot restored",
		zap.Int("bytes", len(b)),
		zap.Int("mappings", len(st.Registry.Mappings)),
		zap.Int("regions", len(st.Regions)))
	return nil
}
