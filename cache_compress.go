package dal

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"time"
)

var (
	compressMagic = []byte("CMP1")

	ErrCorruptCompression = errors.New("dal: corrupt compressed cache payload")
)

// compressingStore gzips values above a size threshold. Values written without
// the magic header pass through untouched on read.
type compressingStore struct {
	inner CacheStore
	over  int
}

func newCompressingStore(inner CacheStore, over int) CacheStore {
	if over <= 0 {
		return inner
	}
	return &compressingStore{inner: inner, over: over}
}

func (s *compressingStore) Driver() CacheDriver { return s.inner.Driver() }

func (s *compressingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return body, ok, err
	}
	decoded, err := decompressValue(body)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (s *compressingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) <= s.over {
		return s.inner.Set(ctx, key, value, ttl)
	}
	encoded, err := compressValue(value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, encoded, ttl)
}

func (s *compressingStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func compressValue(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(compressMagic)
	zw, _ := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if _, err := zw.Write(value); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressValue(in []byte) ([]byte, error) {
	if len(in) < len(compressMagic) || !bytes.Equal(in[:len(compressMagic)], compressMagic) {
		return in, nil
	}
	gr, err := gzip.NewReader(bytes.NewReader(in[len(compressMagic):]))
	if err != nil {
		return nil, ErrCorruptCompression
	}
	defer gr.Close()
	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, ErrCorruptCompression
	}
	return out, nil
}
