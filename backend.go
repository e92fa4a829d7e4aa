package dal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// BackendType identifies the primary storage backend.
type BackendType string

const (
	BackendDocument     BackendType = "document-store"
	BackendManagedNoSQL BackendType = "managed-nosql"
	BackendKeyValue     BackendType = "key-value-cluster"
	BackendWideColumn   BackendType = "wide-column-store"
)

// ParseBackendType normalizes a configured backend identifier.
// Unknown values are returned as-is so the selector can reject them.
func ParseBackendType(raw string) BackendType {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.ReplaceAll(value, "_", "-")
	if value == "" {
		return BackendManagedNoSQL
	}
	return BackendType(value)
}

// Document is a schemaless record as returned by every backend.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Filter is an opaque, backend-specific fetch filter. The facade never inspects it.
//
// Every backend understands Fields (equality on top-level fields) and nil (everything
// in the collection). Backend-specific shapes are SQLFilter, DynamoQuery,
// expression.ConditionBuilder and CQLFilter.
type Filter any

// Fields is an equality filter over top-level document fields.
type Fields map[string]any

// Backend is the capability contract every primary store implements.
// Implementations must be safe for concurrent use.
type Backend interface {
	Type() BackendType
	// Get returns (doc, true, nil) on hit and (nil, false, nil) when no record matches.
	Get(ctx context.Context, collection string, key Key) (Document, bool, error)
	// Set writes data under key and returns the stored document. Item-shaped
	// backends accept a zero key and read the key fields from data.
	Set(ctx context.Context, collection string, key Key, data Document) (Document, error)
	// Fetch returns every document matching filter.
	Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error)
}

type backendCloser interface {
	Close(ctx context.Context) error
}

// resolveIdentity returns the single-attribute identifier for a write: the key's
// own identity, or the item's primary (or idField) value for item-shaped writes.
func resolveIdentity(key Key, data Document, idField string) (string, string, error) {
	field := idField
	if key.Primary() != "" {
		field = key.Primary()
	}
	if id, err := key.Identity(); err == nil {
		return field, id, nil
	}
	v, ok := data[field]
	if !ok {
		return "", "", fmt.Errorf("%w: no key given and item has no %q field", ErrInvalidKey, field)
	}
	id, err := formatScalar(v)
	if err != nil {
		return "", "", err
	}
	return field, id, nil
}

// fieldsMatch reports whether doc carries every field in want with an equal value.
// Values compare by JSON encoding, so int 5 and float64 5 match but "5" does not.
func fieldsMatch(doc Document, want Fields) bool {
	for name, expected := range want {
		actual, ok := doc[name]
		if !ok {
			return false
		}
		a, errA := json.Marshal(actual)
		b, errB := json.Marshal(expected)
		if errA != nil || errB != nil || !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// decodeExactJSON decodes body without rounding numbers. Values float64 holds
// exactly become float64; the rest stay json.Number.
func decodeExactJSON(body []byte, v *any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	*v = exactNumbers(*v)
	return nil
}

// decodedNumber is a number kept in its wire form (json.Number, attributevalue.Number).
type decodedNumber interface {
	String() string
	Float64() (float64, error)
}

func exactNumbers(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for k, item := range value {
			value[k] = exactNumbers(item)
		}
		return value
	case Document:
		for k, item := range value {
			value[k] = exactNumbers(item)
		}
		return value
	case []any:
		for i, item := range value {
			value[i] = exactNumbers(item)
		}
		return value
	case decodedNumber:
		raw := value.String()
		f, err := value.Float64()
		if err == nil && strconv.FormatFloat(f, 'f', -1, 64) == raw {
			return f
		}
		return json.Number(raw)
	default:
		return v
	}
}
