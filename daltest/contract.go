package daltest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode"

	"github.com/goforj/dal"
)

// Options configures shared backend contract checks.
type Options struct {
	// Collection namespaces the records. Defaults to a sanitized t.Name().
	Collection string
	// IDField is the identifier field the backend stamps on scalar-keyed writes.
	IDField string
	// SkipFieldsFetch disables the Fields filter assertion.
	SkipFieldsFetch bool
	// SkipUnsupportedFilter disables the unsupported filter assertion for
	// backends that accept arbitrary filters.
	SkipUnsupportedFilter bool
}

type unsupportedFilter struct{}

// RunBackendContract runs a backend-agnostic contract suite against backend.
func RunBackendContract(t *testing.T, backend dal.Backend, opts Options) {
	t.Helper()

	collection := opts.Collection
	if collection == "" {
		collection = sanitize(t.Name())
	}
	idField := opts.IDField
	if idField == "" {
		idField = "id"
	}
	ctx := context.Background()

	// Missing record is a clean miss.
	doc, found, err := backend.Get(ctx, collection, dal.ID("missing"))
	if err != nil {
		t.Fatalf("get missing failed: %v", err)
	}
	if found || doc != nil {
		t.Fatalf("expected miss for unknown key, got found=%v doc=%v", found, doc)
	}

	// Set returns the stored document, identified.
	written, err := backend.Set(ctx, collection, dal.ID("u1"), dal.Document{"name": "A", "age": 30})
	if err != nil {
		t.Fatalf("set u1 failed: %v", err)
	}
	expectField(t, "set u1", written, "name", "A")
	expectField(t, "set u1", written, idField, "u1")

	// Get round-trip.
	doc, found, err = backend.Get(ctx, collection, dal.ID("u1"))
	if err != nil || !found {
		t.Fatalf("get u1 failed: found=%v err=%v", found, err)
	}
	expectField(t, "get u1", doc, "name", "A")
	expectField(t, "get u1", doc, "age", 30)

	// Partial writes merge into the stored document.
	merged, err := backend.Set(ctx, collection, dal.ID("u1"), dal.Document{"age": 31})
	if err != nil {
		t.Fatalf("merge u1 failed: %v", err)
	}
	expectField(t, "merge u1", merged, "name", "A")
	expectField(t, "merge u1", merged, "age", 31)

	if _, err := backend.Set(ctx, collection, dal.ID("u2"), dal.Document{"name": "B"}); err != nil {
		t.Fatalf("set u2 failed: %v", err)
	}

	// Fetch everything.
	all, err := backend.Fetch(ctx, collection, nil)
	if err != nil {
		t.Fatalf("fetch all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 documents, got %d: %v", len(all), all)
	}
	if !containsID(all, idField, "u1") || !containsID(all, idField, "u2") {
		t.Fatalf("expected u1 and u2 in %v", all)
	}

	// Equality filter.
	if !opts.SkipFieldsFetch {
		matched, err := backend.Fetch(ctx, collection, dal.Fields{"name": "B"})
		if err != nil {
			t.Fatalf("fetch by fields failed: %v", err)
		}
		if len(matched) != 1 || !containsID(matched, idField, "u2") {
			t.Fatalf("expected only u2, got %v", matched)
		}
		none, err := backend.Fetch(ctx, collection, dal.Fields{"name": "nobody"})
		if err != nil {
			t.Fatalf("fetch no match failed: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Fatalf("expected empty non-nil result, got %#v", none)
		}
	}

	if !opts.SkipUnsupportedFilter {
		if _, err := backend.Fetch(ctx, collection, unsupportedFilter{}); !errors.Is(err, dal.ErrUnsupportedFilter) {
			t.Fatalf("expected ErrUnsupportedFilter, got %v", err)
		}
	}
}

func expectField(t *testing.T, step string, doc dal.Document, field string, want any) {
	t.Helper()
	got, ok := doc[field]
	if !ok {
		t.Fatalf("%s: field %q missing from %v", step, field, doc)
	}
	if !sameJSON(got, want) {
		t.Fatalf("%s: field %q = %#v, want %#v", step, field, got, want)
	}
}

func containsID(docs []dal.Document, field, id string) bool {
	for _, doc := range docs {
		if sameJSON(doc[field], id) {
			return true
		}
	}
	return false
}

// sameJSON compares values by JSON encoding so decoded numbers match their
// integer originals.
func sameJSON(a, b any) bool {
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ea, eb)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	out := b.String()
	if out == "" || unicode.IsDigit(rune(out[0])) {
		out = "t_" + out
	}
	return out
}
