package dal

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Key is a logical record identifier: either a scalar or a composite of named
// fields with one declared primary field. The zero Key carries no identity.
type Key struct {
	scalar  any
	fields  map[string]any
	primary string
}

// ID builds a scalar key from a string, integer, float or fmt.Stringer.
func ID(v any) Key {
	return Key{scalar: v}
}

// CompositeKey builds a multi-attribute key. primary names the field the cache
// key is derived from; it must be present in fields.
func CompositeKey(primary string, fields map[string]any) Key {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return Key{fields: copied, primary: primary}
}

// ItemKey declares that the key fields live inside the written item, for
// item-shaped writes. primary names the item field the cache key is derived from.
func ItemKey(primary string) Key {
	return Key{fields: map[string]any{}, primary: primary}
}

// IsZero reports whether k carries no identity.
func (k Key) IsZero() bool {
	return k.scalar == nil && k.fields == nil
}

// IsComposite reports whether k was built with CompositeKey.
func (k Key) IsComposite() bool {
	return k.fields != nil
}

// Scalar returns the scalar value; nil for composite keys.
func (k Key) Scalar() any { return k.scalar }

// Primary returns the declared primary field of a composite key.
func (k Key) Primary() string { return k.primary }

// Fields returns a copy of the composite fields.
func (k Key) Fields() map[string]any {
	if k.fields == nil {
		return nil
	}
	out := make(map[string]any, len(k.fields))
	for name, v := range k.fields {
		out[name] = v
	}
	return out
}

// FieldNames returns the composite field names in sorted order.
func (k Key) FieldNames() []string {
	names := make([]string, 0, len(k.fields))
	for name := range k.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity returns the formatted identifier used by single-attribute stores:
// the scalar itself, or the primary field of a composite key.
func (k Key) Identity() (string, error) {
	switch {
	case k.IsZero():
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	case k.IsComposite():
		if k.primary == "" {
			return "", fmt.Errorf("%w: composite key without primary field", ErrInvalidKey)
		}
		v, ok := k.fields[k.primary]
		if !ok {
			return "", fmt.Errorf("%w: primary field %q missing from composite key", ErrInvalidKey, k.primary)
		}
		return formatScalar(v)
	default:
		return formatScalar(k.scalar)
	}
}

func (k Key) String() string {
	id, err := k.Identity()
	if err != nil {
		return "<invalid key>"
	}
	return id
}

// DeriveCacheKey returns the cache key for (collection, key).
// Logically equal inputs always derive the same key, so ID(1) and ID(1.0) collide.
func DeriveCacheKey(collection string, key Key) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: empty collection", ErrInvalidKey)
	}
	id, err := key.Identity()
	if err != nil {
		return "", err
	}
	return collection + ":" + id, nil
}

func formatScalar(v any) (string, error) {
	switch value := v.(type) {
	case string:
		return value, nil
	case []byte:
		return string(value), nil
	case int:
		return strconv.FormatInt(int64(value), 10), nil
	case int8:
		return strconv.FormatInt(int64(value), 10), nil
	case int16:
		return strconv.FormatInt(int64(value), 10), nil
	case int32:
		return strconv.FormatInt(int64(value), 10), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case uint:
		return strconv.FormatUint(uint64(value), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(value), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(value), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(value), 10), nil
	case uint64:
		return strconv.FormatUint(value, 10), nil
	case float32:
		return formatFloat(float64(value))
	case float64:
		return formatFloat(value)
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		if u, err := strconv.ParseUint(value.String(), 10, 64); err == nil {
			return strconv.FormatUint(u, 10), nil
		}
		return value.String(), nil
	case fmt.Stringer:
		return value.String(), nil
	case nil:
		return "", fmt.Errorf("%w: nil key value", ErrInvalidKey)
	default:
		return "", fmt.Errorf("%w: unsupported key type %T", ErrInvalidKey, v)
	}
}

func formatFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: non-finite key value", ErrInvalidKey)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}
