package client

import "strings"

type headerField struct {
	name  string
	value string
}

// Header is an ordered list of name/value pairs. Iteration preserves
// insertion order and original name casing, which is what goes on the
// wire; lookups are case-insensitive.
type Header struct {
	fields []headerField
}

// Get returns the first value for key, or "".
func (h *Header) Get(key string) string {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, key) {
			return h.fields[i].value
		}
	}
	return ""
}

// Values returns every value for key in insertion order.
func (h *Header) Values(key string) []string {
	var out []string
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, key) {
			out = append(out, h.fields[i].value)
		}
	}
	return out
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, key) {
			return true
		}
	}
	return false
}

// Add appends a value, keeping any existing values for key.
func (h *Header) Add(key, value string) {
	h.fields = append(h.fields, headerField{name: key, value: value})
}

// Set replaces all values for key with one value. The position of the
// first existing occurrence is kept; a new key appends.
func (h *Header) Set(key, value string) {
	replaced := false
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.name, key) {
			if replaced {
				continue
			}
			f.value = value
			f.name = key
			replaced = true
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if !replaced {
		h.Add(key, value)
	}
}

// Del removes every value for key.
func (h *Header) Del(key string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.name, key) {
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
}

// Len returns the number of stored fields.
func (h *Header) Len() int { return len(h.fields) }

// Each calls fn for every field in wire order.
func (h *Header) Each(fn func(name, value string)) {
	for i := range h.fields {
		fn(h.fields[i].name, h.fields[i].value)
	}
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	out := Header{fields: make([]headerField, len(h.fields))}
	copy(out.fields, h.fields)
	return out
}
