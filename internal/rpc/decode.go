package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrNotQuantity is returned when a value is neither a JSON number nor a
// hex or decimal string.
var ErrNotQuantity = errors.New("value is not a quantity")

// DecodeQuantity reads a non-negative integer from a result. Accepts JSON
// numbers and strings in decimal or 0x-prefixed hex.
func DecodeQuantity(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, ErrNotQuantity
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrNotQuantity, err)
		}
		if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
			v, err := hexutil.DecodeUint64(strings.ToLower(s[:2]) + s[2:])
			if err != nil {
				return 0, fmt.Errorf("%w: %v", ErrNotQuantity, err)
			}
			return v, nil
		}
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrNotQuantity, s)
		}
		return v, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotQuantity, err)
	}
	if v, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return v, nil
	}
	// Some daemons report integral values as floats (e.g. 1.2e6).
	f, err := n.Float64()
	if err != nil || f < 0 || f != math.Trunc(f) || f > math.MaxUint64 {
		return 0, fmt.Errorf("%w: %s", ErrNotQuantity, n)
	}
	return uint64(f), nil
}

// DecodeLength returns the number of elements in an array result.
func DecodeLength(raw json.RawMessage) (int, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0, fmt.Errorf("expected array: %w", err)
	}
	if items == nil && !bytes.Equal(bytes.TrimSpace(raw), []byte("[]")) {
		return 0, errors.New("expected array, got null")
	}
	return len(items), nil
}

// Field walks object keys in path and returns the nested raw value.
func Field(raw json.RawMessage, path ...string) (json.RawMessage, error) {
	cur := raw
	for i, key := range path {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil || obj == nil {
			where := "result"
			if i > 0 {
				where = strings.Join(path[:i], ".")
			}
			return nil, fmt.Errorf("%s: not an object", where)
		}
		next, ok := obj[key]
		if !ok {
			return nil, fmt.Errorf("missing field %q", strings.Join(path[:i+1], "."))
		}
		cur = next
	}
	return cur, nil
}
