package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// GenerateKey derives a bounded cache key from a namespace and a parameter
// set. Parameter order does not matter: the parameters are serialized with
// sorted keys and folded into a 32-bit polynomial hash rendered in base 36.
func GenerateKey(namespace string, params map[string]any) string {
	return namespace + ":" + strconv.FormatInt(hashString(canonicalParams(params)), 36)
}

// canonicalParams renders params as JSON. encoding/json writes map keys in
// sorted order at every depth, which gives the canonical form.
func canonicalParams(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err == nil {
		return string(data)
	}

	// unserializable values (funcs, channels) fall back to sorted %v pairs
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%v;", k, params[k])
	}
	return sb.String()
}

// hashString computes h = h*31 + c over the bytes of s with 32-bit wraparound
// and returns the absolute value.
func hashString(s string) int64 {
	var h int32
	for i := 0; i < len(s); i++ {
		h = h*31 + int32(s[i])
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return v
}
