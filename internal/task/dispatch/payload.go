package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload carries the arguments a deferred action was scheduled with.
type Payload struct {
	Args   []any  `json:"args"`
	Kwargs Kwargs `json:"kwargs"`
}

// Kwargs is the keyword argument map of a Payload.
//
// Values arrive either as the Go values the caller scheduled (in-process
// timers) or as decoded JSON (timers restored from the store). The typed
// accessors accept both forms. JSON is decoded with UseNumber so 64-bit IDs
// survive the round trip.
type Kwargs map[string]any

var ErrMissingKwarg = errors.New("missing kwarg")

// EncodePayload returns the stored form of p.
func EncodePayload(p Payload) ([]byte, error) {
	if p.Kwargs == nil {
		p.Kwargs = Kwargs{}
	}
	if p.Args == nil {
		p.Args = []any{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

// DecodePayload is the inverse of EncodePayload. Numbers decode as json.Number.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if len(bytes.TrimSpace(b)) == 0 {
		return Payload{Kwargs: Kwargs{}}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Kwargs == nil {
		p.Kwargs = Kwargs{}
	}
	return p, nil
}

func (k Kwargs) lookup(key string) (any, error) {
	v, ok := k[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingKwarg, key)
	}
	return v, nil
}

func (k Kwargs) Has(key string) bool {
	v, ok := k[key]
	return ok && v != nil
}

func (k Kwargs) Int64(key string) (int64, error) {
	v, err := k.lookup(key)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("kwarg %s: %d overflows int64", key, n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("kwarg %s: %v is not an integer", key, n)
		}
		return int64(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("kwarg %s: %w", key, err)
		}
		return i, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kwarg %s: %w", key, err)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("kwarg %s: unexpected type %T", key, v)
	}
}

func (k Kwargs) String(key string) (string, error) {
	v, err := k.lookup(key)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return "", fmt.Errorf("kwarg %s: unexpected type %T", key, v)
	}
}

func (k Kwargs) Bool(key string) (bool, error) {
	v, err := k.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("kwarg %s: unexpected type %T", key, v)
	}
	return b, nil
}

// Time accepts a time.Time or an RFC 3339 string (the JSON form of time.Time).
func (k Kwargs) Time(key string) (time.Time, error) {
	v, err := k.lookup(key)
	if err != nil {
		return time.Time{}, err
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		return *t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("kwarg %s: %w", key, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("kwarg %s: unexpected type %T", key, v)
	}
}

// Int64Or returns def when key is absent.
func (k Kwargs) Int64Or(key string, def int64) (int64, error) {
	if !k.Has(key) {
		return def, nil
	}
	return k.Int64(key)
}
