// Package schema holds the read-only object model a federation runs on:
// object classes and their attributes, interaction classes and their
// parameters, and routing spaces with bounded dimensions.
//
// A Schema is built once from a Definition and never changes afterwards, so
// it needs no locking.
package schema

import (
	"fmt"

	"federate/pkg/rtierr"
	"federate/pkg/types"
)

// PrivilegeToDeleteName is the attribute every root object class carries.
// Holding it is required to delete an object instance.
const PrivilegeToDeleteName = "HLAprivilegeToDeleteObject"

// Definition is the declarative form of a schema, as loaded from YAML.
type Definition struct {
	RoutingSpaces      []RoutingSpaceDef     `yaml:"routingSpaces" json:"routing_spaces"`
	ObjectClasses      []ObjectClassDef      `yaml:"objectClasses" json:"object_classes"`
	InteractionClasses []InteractionClassDef `yaml:"interactionClasses" json:"interaction_classes"`
}

type RoutingSpaceDef struct {
	Name       string         `yaml:"name" json:"name"`
	Dimensions []DimensionDef `yaml:"dimensions" json:"dimensions"`
}

type DimensionDef struct {
	Name       string `yaml:"name" json:"name"`
	UpperBound uint64 `yaml:"upperBound" json:"upper_bound"`
}

type ObjectClassDef struct {
	Name       string         `yaml:"name" json:"name"`
	Parent     string         `yaml:"parent,omitempty" json:"parent,omitempty"`
	Attributes []AttributeDef `yaml:"attributes" json:"attributes"`
}

type AttributeDef struct {
	Name         string `yaml:"name" json:"name"`
	RoutingSpace string `yaml:"routingSpace,omitempty" json:"routing_space,omitempty"`
}

type InteractionClassDef struct {
	Name         string   `yaml:"name" json:"name"`
	Parent       string   `yaml:"parent,omitempty" json:"parent,omitempty"`
	RoutingSpace string   `yaml:"routingSpace,omitempty" json:"routing_space,omitempty"`
	Parameters   []string `yaml:"parameters" json:"parameters"`
}

// Dimension is one axis of a routing space. Valid coordinates are
// [0, UpperBound).
type Dimension struct {
	Handle     types.DimensionHandle
	Name       string
	UpperBound uint64
}

type RoutingSpace struct {
	Handle     types.RoutingSpaceHandle
	Name       string
	Dimensions []Dimension
}

type Attribute struct {
	Handle       types.AttributeHandle
	Name         string
	Class        types.ObjectClassHandle  // declaring class
	RoutingSpace types.RoutingSpaceHandle // zero when the attribute is not region-scoped
}

type ObjectClass struct {
	Handle types.ObjectClassHandle
	Name   string
	Parent types.ObjectClassHandle // zero for a root class

	// Attributes declared on this class only; see Schema.ClassAttributes for
	// the inherited set.
	Attributes []Attribute
}

type Parameter struct {
	Handle types.ParameterHandle
	Name   string
}

type InteractionClass struct {
	Handle       types.InteractionClassHandle
	Name         string
	Parent       types.InteractionClassHandle
	RoutingSpace types.RoutingSpaceHandle
	Parameters   []Parameter
}

// Schema is an immutable, validated object model.
type Schema struct {
	spaces       map[types.RoutingSpaceHandle]*RoutingSpace
	classes      map[types.ObjectClassHandle]*ObjectClass
	interactions map[types.InteractionClassHandle]*InteractionClass
	attributes   map[types.AttributeHandle]*Attribute

	spaceNames       map[string]types.RoutingSpaceHandle
	classNames       map[string]types.ObjectClassHandle
	interactionNames map[string]types.InteractionClassHandle

	// declaration order, for listing
	classOrder       []types.ObjectClassHandle
	interactionOrder []types.InteractionClassHandle
	spaceOrder       []types.RoutingSpaceHandle
}

// counters hands out handles per domain, starting at 1.
type counters map[types.HandleDomain]types.Handle

func (c counters) next(d types.HandleDomain) types.Handle {
	c[d]++
	return c[d]
}

// New validates def and assigns handles in declaration order. A parent must
// be declared before its subclasses.
func New(def Definition) (*Schema, error) {
	s := &Schema{
		spaces:           make(map[types.RoutingSpaceHandle]*RoutingSpace),
		classes:          make(map[types.ObjectClassHandle]*ObjectClass),
		interactions:     make(map[types.InteractionClassHandle]*InteractionClass),
		attributes:       make(map[types.AttributeHandle]*Attribute),
		spaceNames:       make(map[string]types.RoutingSpaceHandle),
		classNames:       make(map[string]types.ObjectClassHandle),
		interactionNames: make(map[string]types.InteractionClassHandle),
	}
	ids := counters{}

	for _, sd := range def.RoutingSpaces {
		if err := s.addSpace(ids, sd); err != nil {
			return nil, err
		}
	}
	for _, cd := range def.ObjectClasses {
		if err := s.addClass(ids, cd); err != nil {
			return nil, err
		}
	}
	for _, id := range def.InteractionClasses {
		if err := s.addInteraction(ids, id); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Schema) addSpace(ids counters, sd RoutingSpaceDef) error {
	if sd.Name == "" {
		return fmt.Errorf("routing space without name")
	}
	if _, dup := s.spaceNames[sd.Name]; dup {
		return fmt.Errorf("duplicate routing space %q", sd.Name)
	}
	if len(sd.Dimensions) == 0 {
		return fmt.Errorf("routing space %q has no dimensions", sd.Name)
	}

	rs := &RoutingSpace{Handle: ids.next(types.DomainRoutingSpace), Name: sd.Name}
	seen := make(map[string]bool, len(sd.Dimensions))
	for _, dd := range sd.Dimensions {
		if dd.Name == "" || seen[dd.Name] {
			return fmt.Errorf("routing space %q: missing or duplicate dimension name %q", sd.Name, dd.Name)
		}
		if dd.UpperBound == 0 {
			return fmt.Errorf("routing space %q: dimension %q needs a positive upper bound", sd.Name, dd.Name)
		}
		seen[dd.Name] = true
		rs.Dimensions = append(rs.Dimensions, Dimension{
			Handle:     ids.next(types.DomainDimension),
			Name:       dd.Name,
			UpperBound: dd.UpperBound,
		})
	}

	s.spaces[rs.Handle] = rs
	s.spaceNames[rs.Name] = rs.Handle
	s.spaceOrder = append(s.spaceOrder, rs.Handle)
	return nil
}

func (s *Schema) addClass(ids counters, cd ObjectClassDef) error {
	if cd.Name == "" {
		return fmt.Errorf("object class without name")
	}
	if _, dup := s.classNames[cd.Name]; dup {
		return fmt.Errorf("duplicate object class %q", cd.Name)
	}

	oc := &ObjectClass{Handle: ids.next(types.DomainObjectClass), Name: cd.Name}
	inherited := map[string]bool{}
	if cd.Parent != "" {
		parent, ok := s.classNames[cd.Parent]
		if !ok {
			return fmt.Errorf("object class %q: parent %q not declared before it", cd.Name, cd.Parent)
		}
		oc.Parent = parent
		for _, a := range s.classAttributes(parent) {
			inherited[a.Name] = true
		}
	} else {
		oc.Attributes = append(oc.Attributes, Attribute{
			Handle: ids.next(types.DomainAttribute),
			Name:   PrivilegeToDeleteName,
			Class:  oc.Handle,
		})
		inherited[PrivilegeToDeleteName] = true
	}

	for _, ad := range cd.Attributes {
		if ad.Name == "" || inherited[ad.Name] {
			return fmt.Errorf("object class %q: missing or duplicate attribute %q", cd.Name, ad.Name)
		}
		attr := Attribute{Handle: ids.next(types.DomainAttribute), Name: ad.Name, Class: oc.Handle}
		if ad.RoutingSpace != "" {
			space, ok := s.spaceNames[ad.RoutingSpace]
			if !ok {
				return fmt.Errorf("attribute %s.%s: unknown routing space %q", cd.Name, ad.Name, ad.RoutingSpace)
			}
			attr.RoutingSpace = space
		}
		inherited[ad.Name] = true
		oc.Attributes = append(oc.Attributes, attr)
	}

	s.classes[oc.Handle] = oc
	s.classNames[oc.Name] = oc.Handle
	s.classOrder = append(s.classOrder, oc.Handle)
	for i := range oc.Attributes {
		s.attributes[oc.Attributes[i].Handle] = &oc.Attributes[i]
	}
	return nil
}

func (s *Schema) addInteraction(ids counters, id InteractionClassDef) error {
	if id.Name == "" {
		return fmt.Errorf("interaction class without name")
	}
	if _, dup := s.interactionNames[id.Name]; dup {
		return fmt.Errorf("duplicate interaction class %q", id.Name)
	}

	ic := &InteractionClass{Handle: ids.next(types.DomainInteractionClass), Name: id.Name}
	seen := map[string]bool{}
	if id.Parent != "" {
		parent, ok := s.interactionNames[id.Parent]
		if !ok {
			return fmt.Errorf("interaction class %q: parent %q not declared before it", id.Name, id.Parent)
		}
		ic.Parent = parent
		ic.RoutingSpace = s.interactions[parent].RoutingSpace
		for _, p := range s.interactionParameters(parent) {
			seen[p.Name] = true
		}
	}
	if id.RoutingSpace != "" {
		space, ok := s.spaceNames[id.RoutingSpace]
		if !ok {
			return fmt.Errorf("interaction class %q: unknown routing space %q", id.Name, id.RoutingSpace)
		}
		ic.RoutingSpace = space
	}
	for _, name := range id.Parameters {
		if name == "" || seen[name] {
			return fmt.Errorf("interaction class %q: missing or duplicate parameter %q", id.Name, name)
		}
		seen[name] = true
		ic.Parameters = append(ic.Parameters, Parameter{Handle: ids.next(types.DomainParameter), Name: name})
	}

	s.interactions[ic.Handle] = ic
	s.interactionNames[ic.Name] = ic.Handle
	s.interactionOrder = append(s.interactionOrder, ic.Handle)
	return nil
}

func notDefined(op, format string, args ...interface{}) error {
	return rtierr.New(rtierr.NotDefined, op, format, args...)
}

// ObjectClass returns the class with handle h.
func (s *Schema) ObjectClass(h types.ObjectClassHandle) (*ObjectClass, error) {
	oc, ok := s.classes[h]
	if !ok {
		return nil, notDefined("schema.ObjectClass", "object class %d", h)
	}
	return oc, nil
}

// ObjectClassByName resolves a class name.
func (s *Schema) ObjectClassByName(name string) (*ObjectClass, error) {
	h, ok := s.classNames[name]
	if !ok {
		return nil, notDefined("schema.ObjectClassByName", "object class %q", name)
	}
	return s.classes[h], nil
}

// ObjectClasses lists all classes in declaration order.
func (s *Schema) ObjectClasses() []*ObjectClass {
	out := make([]*ObjectClass, 0, len(s.classOrder))
	for _, h := range s.classOrder {
		out = append(out, s.classes[h])
	}
	return out
}

// ClassAttributes returns the attributes available on instances of class,
// inherited ones first.
func (s *Schema) ClassAttributes(class types.ObjectClassHandle) ([]Attribute, error) {
	if _, ok := s.classes[class]; !ok {
		return nil, notDefined("schema.ClassAttributes", "object class %d", class)
	}
	return s.classAttributes(class), nil
}

func (s *Schema) classAttributes(class types.ObjectClassHandle) []Attribute {
	var chain []*ObjectClass
	for h := class; h != 0; h = s.classes[h].Parent {
		chain = append(chain, s.classes[h])
	}
	var out []Attribute
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Attributes...)
	}
	return out
}

// Attribute returns attr as seen on class, including inherited attributes.
func (s *Schema) Attribute(class types.ObjectClassHandle, attr types.AttributeHandle) (Attribute, error) {
	a, ok := s.attributes[attr]
	if !ok {
		return Attribute{}, notDefined("schema.Attribute", "attribute %d", attr)
	}
	if !s.isSubclass(class, a.Class) {
		return Attribute{}, notDefined("schema.Attribute", "attribute %s not available on class %d", a.Name, class)
	}
	return *a, nil
}

// AttributeByName resolves an attribute name on class.
func (s *Schema) AttributeByName(class types.ObjectClassHandle, name string) (Attribute, error) {
	if _, ok := s.classes[class]; !ok {
		return Attribute{}, notDefined("schema.AttributeByName", "object class %d", class)
	}
	for _, a := range s.classAttributes(class) {
		if a.Name == name {
			return a, nil
		}
	}
	return Attribute{}, notDefined("schema.AttributeByName", "attribute %q on class %d", name, class)
}

// CheckAttributes fails with NotDefined if any handle is not an attribute of class.
func (s *Schema) CheckAttributes(class types.ObjectClassHandle, attrs types.AttributeSet) error {
	if _, ok := s.classes[class]; !ok {
		return notDefined("schema.CheckAttributes", "object class %d", class)
	}
	for _, h := range attrs {
		if _, err := s.Attribute(class, h); err != nil {
			return err
		}
	}
	return nil
}

// PrivilegeToDelete returns the privilege-to-delete attribute of class.
func (s *Schema) PrivilegeToDelete(class types.ObjectClassHandle) (types.AttributeHandle, error) {
	a, err := s.AttributeByName(class, PrivilegeToDeleteName)
	if err != nil {
		return 0, err
	}
	return a.Handle, nil
}

// AttributeRoutingSpace returns the routing space attr is scoped to, zero if
// none.
func (s *Schema) AttributeRoutingSpace(class types.ObjectClassHandle, attr types.AttributeHandle) (types.RoutingSpaceHandle, error) {
	a, err := s.Attribute(class, attr)
	if err != nil {
		return 0, err
	}
	return a.RoutingSpace, nil
}

func (s *Schema) isSubclass(class, ancestor types.ObjectClassHandle) bool {
	for h := class; h != 0; {
		oc, ok := s.classes[h]
		if !ok {
			return false
		}
		if h == ancestor {
			return true
		}
		h = oc.Parent
	}
	return false
}

// InteractionClass returns the interaction class with handle h.
func (s *Schema) InteractionClass(h types.InteractionClassHandle) (*InteractionClass, error) {
	ic, ok := s.interactions[h]
	if !ok {
		return nil, notDefined("schema.InteractionClass", "interaction class %d", h)
	}
	return ic, nil
}

// InteractionClassByName resolves an interaction class name.
func (s *Schema) InteractionClassByName(name string) (*InteractionClass, error) {
	h, ok := s.interactionNames[name]
	if !ok {
		return nil, notDefined("schema.InteractionClassByName", "interaction class %q", name)
	}
	return s.interactions[h], nil
}

// InteractionClasses lists all interaction classes in declaration order.
func (s *Schema) InteractionClasses() []*InteractionClass {
	out := make([]*InteractionClass, 0, len(s.interactionOrder))
	for _, h := range s.interactionOrder {
		out = append(out, s.interactions[h])
	}
	return out
}

// InteractionRoutingSpace returns the routing space ic is scoped to, zero if none.
func (s *Schema) InteractionRoutingSpace(ic types.InteractionClassHandle) (types.RoutingSpaceHandle, error) {
	c, err := s.InteractionClass(ic)
	if err != nil {
		return 0, err
	}
	return c.RoutingSpace, nil
}

func (s *Schema) interactionParameters(ic types.InteractionClassHandle) []Parameter {
	var chain []*InteractionClass
	for h := ic; h != 0; h = s.interactions[h].Parent {
		chain = append(chain, s.interactions[h])
	}
	var out []Parameter
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Parameters...)
	}
	return out
}

// CheckParameters fails with NotDefined if any handle is not a parameter of ic.
func (s *Schema) CheckParameters(ic types.InteractionClassHandle, params types.ParameterValues) error {
	if _, ok := s.interactions[ic]; !ok {
		return notDefined("schema.CheckParameters", "interaction class %d", ic)
	}
	known := make(map[types.ParameterHandle]bool)
	for _, p := range s.interactionParameters(ic) {
		known[p.Handle] = true
	}
	for h := range params {
		if !known[h] {
			return notDefined("schema.CheckParameters", "parameter %d on interaction class %d", h, ic)
		}
	}
	return nil
}

// RoutingSpace returns the routing space with handle h.
func (s *Schema) RoutingSpace(h types.RoutingSpaceHandle) (*RoutingSpace, error) {
	rs, ok := s.spaces[h]
	if !ok {
		return nil, notDefined("schema.RoutingSpace", "routing space %d", h)
	}
	return rs, nil
}

// RoutingSpaceByName resolves a routing space name.
func (s *Schema) RoutingSpaceByName(name string) (*RoutingSpace, error) {
	h, ok := s.spaceNames[name]
	if !ok {
		return nil, notDefined("schema.RoutingSpaceByName", "routing space %q", name)
	}
	return s.spaces[h], nil
}

// RoutingSpaces lists all routing spaces in declaration order.
func (s *Schema) RoutingSpaces() []*RoutingSpace {
	out := make([]*RoutingSpace, 0, len(s.spaceOrder))
	for _, h := range s.spaceOrder {
		out = append(out, s.spaces[h])
	}
	return out
}

// Dimensions returns the ordered dimensions of a routing space.
func (s *Schema) Dimensions(space types.RoutingSpaceHandle) ([]Dimension, error) {
	rs, err := s.RoutingSpace(space)
	if err != nil {
		return nil, err
	}
	return rs.Dimensions, nil
}
