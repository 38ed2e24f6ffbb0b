package fanout

import "sort"

// ResourceType names a backend table (or logical resource) whose changes
// invalidate downstream queries.
type ResourceType string

// QueryKey is an opaque token identifying a downstream query result.
type QueryKey string

const (
	Enrollments   ResourceType = "enrollments"
	Messages      ResourceType = "messages"
	Conversations ResourceType = "conversations"
	Profiles      ResourceType = "profiles"
	Products      ResourceType = "products"
	Roles         ResourceType = "roles"
	Subscriptions ResourceType = "subscriptions"
)

// Table maps a resource type to the queries that depend on it.
type Table map[ResourceType][]QueryKey

// DefaultTable is the dependency map the platform hooks rely on.
var DefaultTable = Table{
	Enrollments:   {"enrollments", "enrolled-products", "my-courses"},
	Messages:      {"messages", "conversations", "unread-count"},
	Conversations: {"conversations"},
	Profiles:      {"profile", "profiles"},
	Products:      {"products", "product-detail"},
	Roles:         {"admin-role"},
	Subscriptions: {"subscription", "products"},
}

// Merge returns a new table: base with each overridden resource type replaced.
// An override with an empty key list removes the type.
func Merge(base, overrides Table) Table {
	out := make(Table, len(base)+len(overrides))
	for rt, keys := range base {
		out[rt] = append([]QueryKey(nil), keys...)
	}
	for rt, keys := range overrides {
		if len(keys) == 0 {
			delete(out, rt)
			continue
		}
		out[rt] = append([]QueryKey(nil), keys...)
	}
	return out
}

// Types lists the table's resource types in sorted order.
func (t Table) Types() []ResourceType {
	out := make([]ResourceType, 0, len(t))
	for rt := range t {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
