package bencode

// Dict is an order-preserving bencoded dictionary.
//
// The decoder returns a *Dict (never a bare map) for every dictionary it
// parses, because the info-hash is computed by re-encoding the parsed
// `info` subtree and the tracker keys on that exact byte sequence — losing
// the original key order (e.g. by round-tripping through map[string]any,
// whose iteration order Go deliberately randomizes) would silently change
// the hash for any torrent whose author didn't happen to emit keys in
// alphabetical order. Values built from scratch by calling code still use
// plain map[string]any, which Encode sorts ascending by key, matching the
// spec's two-tier encoding rule.
type Dict struct {
	keys   []string
	values map[string]any
}

// NewDict returns an empty, order-preserving dictionary.
func NewDict() *Dict {
	return &Dict{values: make(map[string]any)}
}

// Set appends key to the key order on first use and stores value. Setting an
// existing key again updates the value in place without moving its position.
func (d *Dict) Set(key string, value any) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = value
}

// Get returns the value for key and whether it was present.
func (d *Dict) Get(key string) (any, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in the order they were first set (i.e. parsed).
func (d *Dict) Keys() []string {
	return d.keys
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	return len(d.keys)
}
