// Package sink implements the MongoDB item writer: per-item field
// filtering and large-object routing, optional buffering into batched
// writes, upsert-by-unique-key, and the duplicate-key stop policy.
package sink

// Field is one named value of an item, together with its metadata tags
// and an optional serializer applied before the value is written.
type Field struct {
	Name  string
	Value any

	// Meta carries boolean metadata flags. A field whose flag for the
	// configured large-object tag is true is routed to the large-object
	// store regardless of size.
	Meta map[string]bool

	// Serialize, when set, converts the raw value to its plain-value
	// form before filtering and persistence.
	Serialize func(any) any
}

// Item is one structured record yielded by the upstream crawler: an
// ordered mapping of field name to value. Items are created upstream,
// transformed by the writer, and not retained after the write.
type Item struct {
	fields []Field
}

// NewItem returns an empty item.
func NewItem() *Item {
	return &Item{}
}

// Set assigns a field value, replacing an existing field in place so
// field order is stable. It returns the item for chaining.
func (it *Item) Set(name string, value any) *Item {
	for i := range it.fields {
		if it.fields[i].Name == name {
			it.fields[i].Value = value
			return it
		}
	}
	it.fields = append(it.fields, Field{Name: name, Value: value})
	return it
}

// Tag sets a boolean metadata flag on an existing field. Tagging an
// unknown field is a no-op.
func (it *Item) Tag(name, tag string) *Item {
	for i := range it.fields {
		if it.fields[i].Name != name {
			continue
		}
		if it.fields[i].Meta == nil {
			it.fields[i].Meta = make(map[string]bool, 1)
		}
		it.fields[i].Meta[tag] = true
		return it
	}
	return it
}

// SetSerializer attaches a serializer to an existing field.
func (it *Item) SetSerializer(name string, fn func(any) any) *Item {
	for i := range it.fields {
		if it.fields[i].Name == name {
			it.fields[i].Serialize = fn
			return it
		}
	}
	return it
}

// Get returns the raw value of the named field.
func (it *Item) Get(name string) (any, bool) {
	for _, f := range it.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Fields returns the item's fields in insertion order.
func (it *Item) Fields() []Field {
	return it.fields
}

// Len returns the number of fields on the item.
func (it *Item) Len() int {
	return len(it.fields)
}
