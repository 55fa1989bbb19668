package pubsub

import (
	"slices"

	"github.com/randalmurphal/orderstream/pkg/orderstream/event"
)

// Filter is an allow-list over one message attribute. A subscription with a
// nil filter receives every message.
type Filter struct {
	// Attribute is the attribute name. Default: event.AttrEventType.
	Attribute string

	// AllowList holds the accepted values.
	AllowList []string
}

// EventTypes returns a filter on the eventType attribute.
func EventTypes(types ...string) *Filter {
	return &Filter{Attribute: event.AttrEventType, AllowList: types}
}

// Matches reports whether attrs pass the filter. A message lacking the
// attribute never matches a non-nil filter.
func (f *Filter) Matches(attrs map[string]string) bool {
	if f == nil {
		return true
	}
	name := f.Attribute
	if name == "" {
		name = event.AttrEventType
	}
	v, ok := attrs[name]
	if !ok {
		return false
	}
	return slices.Contains(f.AllowList, v)
}
