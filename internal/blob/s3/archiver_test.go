package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpredict/marketd/internal/domain"
)

// stubReader records the requested key and serves a fixed body.
type stubReader struct {
	requested string
}

func (r *stubReader) Get(_ context.Context, path string) (io.ReadCloser, error) {
	r.requested = path
	return io.NopCloser(strings.NewReader(`{"kind":"market"}` + "\n")), nil
}

func (r *stubReader) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	r.requested = prefix
	return []domain.BlobInfo{{Path: prefix + "20260101T000000Z.jsonl", Size: 64}}, nil
}

func (r *stubReader) Exists(context.Context, string) (bool, error) { return false, nil }

func TestListSettlementsUsesMarketPrefix(t *testing.T) {
	reader := &stubReader{}
	a := &SettlementArchiver{reader: reader}

	infos, err := a.ListSettlements(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "settlements/m1/", reader.requested)
	assert.Equal(t, "settlements/m1/20260101T000000Z.jsonl", infos[0].Path)
}

func TestOpenSettlementReadsWithinMarketPrefix(t *testing.T) {
	reader := &stubReader{}
	a := &SettlementArchiver{reader: reader}

	body, err := a.OpenSettlement(context.Background(), "m1", "20260101T000000Z.jsonl")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, "settlements/m1/20260101T000000Z.jsonl", reader.requested)
}

func TestOpenSettlementRejectsPathEscapes(t *testing.T) {
	a := &SettlementArchiver{reader: &stubReader{}}

	for _, name := range []string{"", "../other/x.jsonl", "a/b.jsonl", `a\b.jsonl`, ".."} {
		_, err := a.OpenSettlement(context.Background(), "m1", name)
		assert.ErrorIs(t, err, domain.ErrNotFound, "name %q", name)
	}
}
