package federate

import (
	"context"
	"sort"
	"sync"

	"federate/pkg/channel"
	"federate/pkg/rtierr"
	"federate/pkg/types"
)

// declarations is the publish/subscribe table. Mutators follow the same
// check, send, mutate order as the other tables.
type declarations struct {
	mu sync.RWMutex

	publishedAttrs  map[types.ObjectClassHandle]map[types.AttributeHandle]bool
	subscribedAttrs map[types.ObjectClassHandle]map[types.AttributeHandle]bool
	publishedInter  map[types.InteractionClassHandle]bool
	subscribedInter map[types.InteractionClassHandle]bool
}

func newDeclarations() *declarations {
	d := &declarations{}
	d.clear()
	return d
}

func (d *declarations) clear() {
	d.publishedAttrs = make(map[types.ObjectClassHandle]map[types.AttributeHandle]bool)
	d.subscribedAttrs = make(map[types.ObjectClassHandle]map[types.AttributeHandle]bool)
	d.publishedInter = make(map[types.InteractionClassHandle]bool)
	d.subscribedInter = make(map[types.InteractionClassHandle]bool)
}

func (d *declarations) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clear()
}

// IsPublished implements ownership.Publications.
func (d *declarations) IsPublished(class types.ObjectClassHandle, attr types.AttributeHandle) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.publishedAttrs[class][attr]
}

func (d *declarations) classPublished(class types.ObjectClassHandle) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.publishedAttrs[class]) > 0
}

func (d *declarations) interactionPublished(ic types.InteractionClassHandle) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.publishedInter[ic]
}

func (d *declarations) interactionSubscribed(ic types.InteractionClassHandle) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.subscribedInter[ic]
}

func (d *declarations) attributes(published bool, class types.ObjectClassHandle) types.AttributeSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedSet(d.attrTable(published)[class])
}

func (d *declarations) attrTable(published bool) map[types.ObjectClassHandle]map[types.AttributeHandle]bool {
	if published {
		return d.publishedAttrs
	}
	return d.subscribedAttrs
}

func (d *declarations) interTable(published bool) map[types.InteractionClassHandle]bool {
	if published {
		return d.publishedInter
	}
	return d.subscribedInter
}

func (d *declarations) addAttrs(op string, published bool, class types.ObjectClassHandle, attrs types.AttributeSet, send func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := invoke(op, send); err != nil {
		return err
	}
	table := d.attrTable(published)
	set := table[class]
	if set == nil {
		set = make(map[types.AttributeHandle]bool, len(attrs))
		table[class] = set
	}
	for _, a := range attrs {
		set[a] = true
	}
	return nil
}

// removeAttrs drops attrs from class, or the whole class when attrs is nil.
func (d *declarations) removeAttrs(op string, published bool, class types.ObjectClassHandle, attrs types.AttributeSet, send func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := invoke(op, send); err != nil {
		return err
	}
	table := d.attrTable(published)
	if attrs == nil {
		delete(table, class)
		return nil
	}
	for _, a := range attrs {
		delete(table[class], a)
	}
	if len(table[class]) == 0 {
		delete(table, class)
	}
	return nil
}

func (d *declarations) setInteraction(op string, published bool, ic types.InteractionClassHandle, on bool, send func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := invoke(op, send); err != nil {
		return err
	}
	table := d.interTable(published)
	if on {
		table[ic] = true
	} else {
		delete(table, ic)
	}
	return nil
}

func sortedSet(m map[types.AttributeHandle]bool) types.AttributeSet {
	out := make(types.AttributeSet, 0, len(m))
	for h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func invoke(op string, send func() error) error {
	if send == nil {
		return nil
	}
	if err := send(); err != nil {
		return rtierr.Internal(op, err)
	}
	return nil
}

// PublishObjectClassAttributes adds attrs to the published set of class.
func (s *Session) PublishObjectClassAttributes(ctx context.Context, class types.ObjectClassHandle, attrs types.AttributeSet) error {
	const op = "federate.PublishObjectClassAttributes"
	if err := s.check(op, true); err != nil {
		return err
	}
	attrs = attrs.Dedup()
	if err := s.schema.CheckAttributes(class, attrs); err != nil {
		return err
	}
	return s.decls.addAttrs(op, true, class, attrs, s.sender(ctx, channel.Message{
		Kind:       channel.KindPublishObjectClass,
		Class:      class,
		Attributes: attrs,
	}))
}

// UnpublishObjectClass withdraws every published attribute of class.
func (s *Session) UnpublishObjectClass(ctx context.Context, class types.ObjectClassHandle) error {
	return s.UnpublishObjectClassAttributes(ctx, class, nil)
}

// UnpublishObjectClassAttributes withdraws attrs, or all of class when attrs
// is nil.
func (s *Session) UnpublishObjectClassAttributes(ctx context.Context, class types.ObjectClassHandle, attrs types.AttributeSet) error {
	const op = "federate.UnpublishObjectClassAttributes"
	if err := s.check(op, true); err != nil {
		return err
	}
	if err := s.schema.CheckAttributes(class, attrs); err != nil {
		return err
	}
	return s.decls.removeAttrs(op, true, class, attrs, s.sender(ctx, channel.Message{
		Kind:       channel.KindUnpublishObjectClass,
		Class:      class,
		Attributes: attrs,
	}))
}

func (s *Session) PublishInteractionClass(ctx context.Context, ic types.InteractionClassHandle) error {
	return s.declareInteraction(ctx, "federate.PublishInteractionClass", channel.KindPublishInteraction, true, ic, true)
}

func (s *Session) UnpublishInteractionClass(ctx context.Context, ic types.InteractionClassHandle) error {
	return s.declareInteraction(ctx, "federate.UnpublishInteractionClass", channel.KindUnpublishInteraction, true, ic, false)
}

// SubscribeObjectClassAttributes subscribes to attrs of class with no region.
func (s *Session) SubscribeObjectClassAttributes(ctx context.Context, class types.ObjectClassHandle, attrs types.AttributeSet) error {
	const op = "federate.SubscribeObjectClassAttributes"
	if err := s.check(op, true); err != nil {
		return err
	}
	attrs = attrs.Dedup()
	if err := s.schema.CheckAttributes(class, attrs); err != nil {
		return err
	}
	return s.decls.addAttrs(op, false, class, attrs, s.sender(ctx, channel.Message{
		Kind:       channel.KindSubscribeObjectClass,
		Class:      class,
		Attributes: attrs,
	}))
}

func (s *Session) UnsubscribeObjectClass(ctx context.Context, class types.ObjectClassHandle) error {
	const op = "federate.UnsubscribeObjectClass"
	if err := s.check(op, true); err != nil {
		return err
	}
	if _, err := s.schema.ObjectClass(class); err != nil {
		return err
	}
	return s.decls.removeAttrs(op, false, class, nil, s.sender(ctx, channel.Message{
		Kind:  channel.KindUnsubscribeObjectClass,
		Class: class,
	}))
}

func (s *Session) SubscribeInteractionClass(ctx context.Context, ic types.InteractionClassHandle) error {
	return s.declareInteraction(ctx, "federate.SubscribeInteractionClass", channel.KindSubscribeInteraction, false, ic, true)
}

func (s *Session) UnsubscribeInteractionClass(ctx context.Context, ic types.InteractionClassHandle) error {
	return s.declareInteraction(ctx, "federate.UnsubscribeInteractionClass", channel.KindUnsubscribeInteraction, false, ic, false)
}

func (s *Session) declareInteraction(ctx context.Context, op string, kind channel.Kind, published bool, ic types.InteractionClassHandle, on bool) error {
	if err := s.check(op, true); err != nil {
		return err
	}
	if _, err := s.schema.InteractionClass(ic); err != nil {
		return err
	}
	return s.decls.setInteraction(op, published, ic, on, s.sender(ctx, channel.Message{Kind: kind, Class: ic}))
}

// PublishedAttributes returns the published attributes of class in handle order.
func (s *Session) PublishedAttributes(class types.ObjectClassHandle) types.AttributeSet {
	return s.decls.attributes(true, class)
}

// SubscribedAttributes returns the attributes of class subscribed without a region.
func (s *Session) SubscribedAttributes(class types.ObjectClassHandle) types.AttributeSet {
	return s.decls.attributes(false, class)
}

func (s *Session) IsInteractionClassPublished(ic types.InteractionClassHandle) bool {
	return s.decls.interactionPublished(ic)
}

func (s *Session) IsInteractionClassSubscribed(ic types.InteractionClassHandle) bool {
	return s.decls.interactionSubscribed(ic)
}
