package compare

// sampleMap is an insertion-ordered map of comparison items. Overwriting an
// existing key keeps its position; deletion frees the slot entirely. Snapshot
// determinism depends on this ordering, so a plain Go map will not do.
type sampleMap struct {
	keys  []string
	items map[string]Item
}

func newSampleMap() *sampleMap {
	return &sampleMap{items: make(map[string]Item)}
}

func (m *sampleMap) Has(key string) bool {
	_, ok := m.items[key]
	return ok
}

func (m *sampleMap) Len() int { return len(m.items) }

// Set inserts or overwrites. A new key is appended to the order.
func (m *sampleMap) Set(key string, item Item) {
	if _, ok := m.items[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.items[key] = item
}

func (m *sampleMap) Delete(key string) {
	if _, ok := m.items[key]; !ok {
		return
	}
	delete(m.items, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Values returns the items in insertion order.
func (m *sampleMap) Values() []Item {
	out := make([]Item, 0, len(m.items))
	for _, k := range m.keys {
		out = append(out, m.items[k])
	}
	return out
}

func (m *sampleMap) Clone() *sampleMap {
	c := &sampleMap{
		keys:  append([]string(nil), m.keys...),
		items: make(map[string]Item, len(m.items)),
	}
	for k, v := range m.items {
		c.items[k] = v
	}
	return c
}
