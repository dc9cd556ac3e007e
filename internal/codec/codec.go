// Package codec implements the wire encoding used on every stream and
// accumulator field: each value is a self-describing JSON token, so a string
// is quoted, a bool is "true"/"false", and round-tripping preserves the
// value (numbers come back as float64).
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Encode serializes v as a JSON token. Strings, numbers, bools, nil, slices
// and maps are all representable; decode(encode(v)) == v holds for float64,
// string, bool, nil, and slices/maps of those, while an integer decodes back
// as the float64 of the same value.
func Encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// MustEncode encodes v, panicking on failure. Intended for values the
// caller has already validated (e.g. a freshly-read typed field).
func MustEncode(v interface{}) string {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode parses a JSON token back into its dynamic Go representation:
// float64 for numbers, string, bool, nil, []interface{}, map[string]interface{}.
func Decode(s string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// DecodeString unquotes a JSON string token, returning an error if the
// token does not decode to a string.
func DecodeString(s string) (string, error) {
	var out string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return "", err
	}
	return out, nil
}

// MsgID formats the canonical {obj_id}:{obj_seq} identity string.
func MsgID(objID string, objSeq int64) string {
	return objID + ":" + strconv.FormatInt(objSeq, 10)
}

// SplitMsgID splits a {obj_id}:{obj_seq} string at its last colon, since
// obj_id itself may contain colons (it is namespaced, e.g. "fleet:V1").
func SplitMsgID(msgID string) (objID string, objSeq int64, err error) {
	i := strings.LastIndex(msgID, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("malformed msg_id %q: no colon separator", msgID)
	}
	seq, err := strconv.ParseInt(msgID[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed msg_id %q: %w", msgID, err)
	}
	return msgID[:i], seq, nil
}
