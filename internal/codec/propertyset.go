package codec

import "encoding/json"

// Recognized property keys (§3 Property Set).
const (
	PropVideoSend = "videosend"
	PropScreenSend = "screensend"
	PropAudioCBR   = "audiocbr"
)

// PropTrue, PropFalse, PropPaused are the recognized value tokens for
// videosend/screensend; audiocbr only ever carries PropTrue/PropFalse.
const (
	PropTrue   = "true"
	PropFalse  = "false"
	PropPaused = "paused"
)

// PropertySet is an insertion-ordered string→string map. Unknown keys are
// preserved verbatim on pass-through (§8 invariant 3); only Set/Get give the
// recognized keys special treatment, and they don't — the schema lives in
// ecall, not here.
type PropertySet struct {
	keys []string
	vals map[string]string
}

// NewPropertySet returns an empty, ready-to-use PropertySet.
func NewPropertySet() PropertySet {
	return PropertySet{vals: make(map[string]string)}
}

// Set inserts or updates key, preserving the position of first insertion.
func (p *PropertySet) Set(key, value string) {
	if p.vals == nil {
		p.vals = make(map[string]string)
	}
	if _, ok := p.vals[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.vals[key] = value
}

// Get returns the value for key and whether it was present.
func (p PropertySet) Get(key string) (string, bool) {
	v, ok := p.vals[key]
	return v, ok
}

// Keys returns the keys in insertion order. The returned slice must not be mutated.
func (p PropertySet) Keys() []string { return p.keys }

// Len returns the number of entries.
func (p PropertySet) Len() int { return len(p.keys) }

// Clone returns a deep, independent copy.
func (p PropertySet) Clone() PropertySet {
	out := PropertySet{
		keys: append([]string(nil), p.keys...),
		vals: make(map[string]string, len(p.vals)),
	}
	for k, v := range p.vals {
		out.vals[k] = v
	}
	return out
}

// propPair is the wire representation of one PropertySet entry. Encoding as
// a JSON array of pairs (rather than an object) keeps insertion order exact
// across encode/decode — encoding/json's map support does not.
type propPair struct {
	K string `json:"k"`
	V string `json:"v"`
}

// MarshalJSON renders the set as an ordered array of {k,v} pairs.
func (p PropertySet) MarshalJSON() ([]byte, error) {
	pairs := make([]propPair, 0, len(p.keys))
	for _, k := range p.keys {
		pairs = append(pairs, propPair{K: k, V: p.vals[k]})
	}
	return json.Marshal(pairs)
}

// UnmarshalJSON restores a PropertySet from its ordered array form.
func (p *PropertySet) UnmarshalJSON(data []byte) error {
	var pairs []propPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*p = NewPropertySet()
	for _, pr := range pairs {
		p.Set(pr.K, pr.V)
	}
	return nil
}
