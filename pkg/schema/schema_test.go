package schema

import (
	"os"
	"path/filepath"
	"testing"

	"federate/pkg/rtierr"
	"federate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
routingSpaces:
  - name: Geo
    dimensions:
      - name: X
        upperBound: 1000
      - name: Y
        upperBound: 500
objectClasses:
  - name: Vehicle
    attributes:
      - name: Position
        routingSpace: Geo
      - name: Speed
  - name: Tank
    parent: Vehicle
    attributes:
      - name: Turret
interactionClasses:
  - name: Fire
    routingSpace: Geo
    parameters: [Target, Munition]
  - name: Salvo
    parent: Fire
    parameters: [Count]
`

func sample(t *testing.T) *Schema {
	t.Helper()
	s, err := ParseYAML([]byte(sampleYAML))
	require.NoError(t, err)
	return s
}

func TestParseYAML(t *testing.T) {
	s := sample(t)

	geo, err := s.RoutingSpaceByName("Geo")
	require.NoError(t, err)
	require.Len(t, geo.Dimensions, 2)
	assert.Equal(t, uint64(1000), geo.Dimensions[0].UpperBound)
	assert.Equal(t, "Y", geo.Dimensions[1].Name)

	tank, err := s.ObjectClassByName("Tank")
	require.NoError(t, err)
	attrs, err := s.ClassAttributes(tank.Handle)
	require.NoError(t, err)

	var names []string
	for _, a := range attrs {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{PrivilegeToDeleteName, "Position", "Speed", "Turret"}, names)
	assert.Len(t, s.ObjectClasses(), 2)
	assert.Len(t, s.InteractionClasses(), 2)
}

func TestAttributeLookup(t *testing.T) {
	s := sample(t)
	vehicle, _ := s.ObjectClassByName("Vehicle")
	tank, _ := s.ObjectClassByName("Tank")
	geo, _ := s.RoutingSpaceByName("Geo")

	pos, err := s.AttributeByName(tank.Handle, "Position")
	require.NoError(t, err)
	assert.Equal(t, vehicle.Handle, pos.Class)

	space, err := s.AttributeRoutingSpace(tank.Handle, pos.Handle)
	require.NoError(t, err)
	assert.Equal(t, geo.Handle, space)

	turret, err := s.AttributeByName(tank.Handle, "Turret")
	require.NoError(t, err)
	_, err = s.Attribute(vehicle.Handle, turret.Handle)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined), "subclass attribute is not on parent")

	err = s.CheckAttributes(vehicle.Handle, types.AttributeSet{pos.Handle, turret.Handle})
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	assert.NoError(t, s.CheckAttributes(tank.Handle, types.AttributeSet{pos.Handle, turret.Handle}))

	ptd, err := s.PrivilegeToDelete(tank.Handle)
	require.NoError(t, err)
	ptdParent, err := s.PrivilegeToDelete(vehicle.Handle)
	require.NoError(t, err)
	assert.Equal(t, ptdParent, ptd)
}

func TestNotDefined(t *testing.T) {
	s := sample(t)

	_, err := s.ObjectClass(999)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	_, err = s.ObjectClassByName("Aircraft")
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	_, err = s.InteractionClass(999)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	_, err = s.RoutingSpace(999)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
	_, err = s.Dimensions(999)
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
}

func TestInteractionInheritance(t *testing.T) {
	s := sample(t)
	fire, _ := s.InteractionClassByName("Fire")
	salvo, _ := s.InteractionClassByName("Salvo")

	assert.Equal(t, fire.RoutingSpace, salvo.RoutingSpace)

	target := fire.Parameters[0].Handle
	count := salvo.Parameters[0].Handle
	assert.NoError(t, s.CheckParameters(salvo.Handle, types.ParameterValues{target: nil, count: nil}))

	err := s.CheckParameters(fire.Handle, types.ParameterValues{count: nil})
	assert.True(t, rtierr.IsKind(err, rtierr.NotDefined))
}

func TestInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
	}{
		{"space without dimensions", Definition{
			RoutingSpaces: []RoutingSpaceDef{{Name: "Geo"}},
		}},
		{"zero upper bound", Definition{
			RoutingSpaces: []RoutingSpaceDef{{Name: "Geo", Dimensions: []DimensionDef{{Name: "X"}}}},
		}},
		{"duplicate class", Definition{
			ObjectClasses: []ObjectClassDef{{Name: "A"}, {Name: "A"}},
		}},
		{"parent after child", Definition{
			ObjectClasses: []ObjectClassDef{{Name: "B", Parent: "A"}, {Name: "A"}},
		}},
		{"shadowed attribute", Definition{
			ObjectClasses: []ObjectClassDef{
				{Name: "A", Attributes: []AttributeDef{{Name: "x"}}},
				{Name: "B", Parent: "A", Attributes: []AttributeDef{{Name: "x"}}},
			},
		}},
		{"unknown routing space", Definition{
			ObjectClasses: []ObjectClassDef{{Name: "A", Attributes: []AttributeDef{{Name: "x", RoutingSpace: "Geo"}}}},
		}},
		{"duplicate parameter", Definition{
			InteractionClasses: []InteractionClassDef{{Name: "I", Parameters: []string{"p", "p"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.def)
			assert.Error(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	s, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Len(t, s.RoutingSpaces(), 1)

	_, err = LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("objectClasses: [: bad"))
	assert.Error(t, err)
}
