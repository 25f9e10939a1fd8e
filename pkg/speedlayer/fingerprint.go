package speedlayer

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// fingerprint computes a stable hash of (toolName, canonicalized toolInput),
// used as the memory-tier cache key. Canonicalization relies on
// encoding/json's own behavior of marshaling map keys in sorted order, then
// xxhash's fast non-cryptographic hash over the resulting bytes — the
// fingerprint is a cache key, not a security boundary, so speed wins over a
// keyed/cryptographic hash here (contrast pkg/eventlog's MAC).
func fingerprint(toolName string, toolInput map[string]any) (string, error) {
	canon, err := canonicalize(toolInput)
	if err != nil {
		return "", err
	}
	h := xxhash.New()
	h.WriteString(toolName)
	h.Write([]byte{0})
	h.Write(canon)
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// canonicalize produces a deterministic byte encoding of an arbitrary
// tool-input map: keys sorted recursively, then JSON-marshaled.
func canonicalize(v any) ([]byte, error) {
	return json.Marshal(sortedValue(v))
}

func sortedValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			out = append(out, keyValue{Key: k, Value: sortedValue(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return t
	}
}

// keyValue preserves key order under JSON array encoding, unlike a Go map
// (whose keys the encoder would otherwise re-sort identically, but which we
// make explicit here rather than rely on that incidental behavior).
type keyValue struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
