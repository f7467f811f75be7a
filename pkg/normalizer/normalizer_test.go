package normalizer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
	"github.com/CatalogueOfLife/backend-sub024/pkg/traverse"
)

const dataset = `{"id":"1","rank":"family","name":"Pinaceae","remarks":"conifers"}
{"id":"2","rank":"genus","name":"Abies","authorship":"Mill.","parentId":"1"}
{"id":3,"rank":"species","name":"Abies alba","authorship":"Mill.","parentId":2,"classification":{"genus":"Abies"}}
{"id":"4","status":"synonym","rank":"species","name":"Abies pectinata","acceptedIds":"3"}

{"id":"5","rank":"blob","status":"accepted","name":"Abies nordmanniana","parentId":"2"}
{"id":"6","status":"weird","name":"Abies grandis","parentId":"99"}
this is not json
{"id":"2","rank":"genus","name":"Abies duplicate"}
{"id":"n1","kind":"name","name":"Abies alba","basionymId":"n0"}
{"id":"r1","kind":"reference","remarks":"Mill. 1754"}
{"id":"x","kind":"spaceship","name":"Nope"}
`

func openStore(t *testing.T) *staging.Store {
	t.Helper()
	opts := staging.DefaultOptions()
	opts.BadgerLogLevel = storage.LogOff
	s, err := staging.Open(context.Background(), filepath.Join(t.TempDir(), "stage"), false, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.CloseAndDelete() })
	return s
}

func readAll(t *testing.T, src Source) []*model.Record {
	t.Helper()
	var out []*model.Record
	for {
		rec, err := src.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func TestJSONLSource(t *testing.T) {
	src := NewJSONLSource(strings.NewReader(dataset), "test")
	recs := readAll(t, src)

	require.Len(t, recs, 9)
	assert.Equal(t, 2, src.Malformed())

	t.Run("numeric ids", func(t *testing.T) {
		assert.Equal(t, "3", recs[2].SourceID)
		assert.Equal(t, "2", recs[2].ParentID)
		assert.Equal(t, map[string]string{"genus": "Abies"}, recs[2].Classification)
	})

	t.Run("accepted ids", func(t *testing.T) {
		assert.Equal(t, []string{"3"}, recs[3].AcceptedIDs)
		assert.Equal(t, model.StatusSynonym, recs[3].Status)
	})

	t.Run("unparsable values become issues", func(t *testing.T) {
		assert.True(t, recs[4].HasIssue(model.IssueRankUnparsable))
		assert.Equal(t, model.RankNone, recs[4].Rank)
		assert.True(t, recs[5].HasIssue(model.IssueStatusUnparsable))
	})

	t.Run("kinds", func(t *testing.T) {
		assert.Equal(t, model.KindUsage, recs[0].Kind)
		assert.Equal(t, model.KindName, recs[7].Kind)
		assert.Equal(t, model.KindReference, recs[8].Kind)
	})
}

func TestIDList(t *testing.T) {
	tests := []struct {
		name string
		json string
		want []string
	}{
		{"array", `{"acceptedIds":["a","b"]}`, []string{"a", "b"}},
		{"numbers", `{"acceptedIds":[1,2]}`, []string{"1", "2"}},
		{"comma", `{"acceptedIds":"a, b"}`, []string{"a", "b"}},
		{"pipe", `{"acceptedIds":"a|b|a"}`, []string{"a", "b"}},
		{"empty", `{"acceptedIds":""}`, nil},
		{"null", `{"acceptedIds":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := parseLine([]byte(tt.json))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, rec.AcceptedIDs)
			} else {
				assert.Equal(t, tt.want, rec.AcceptedIDs)
			}
		})
	}
}

func TestOpenJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(dataset), 0o644))

	src, err := OpenJSONL(path)
	require.NoError(t, err)
	defer src.Close()
	assert.Len(t, readAll(t, src), 9)

	_, err = OpenJSONL(filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	src := NewJSONLSource(strings.NewReader(dataset), "test")
	summary, err := New(s, DefaultOptions()).Run(ctx, src)
	require.NoError(t, err)

	assert.Equal(t, staging.StateTransactional, s.State())
	assert.Equal(t, 9, summary.Records)
	assert.Equal(t, 2, summary.Malformed)
	assert.Equal(t, map[model.Kind]int{model.KindUsage: 7, model.KindName: 1, model.KindReference: 1}, summary.Kinds)

	assert.Equal(t, 1, summary.Issues[model.IssueIDNotUnique])
	assert.Equal(t, 1, summary.Issues[model.IssueRankUnparsable])
	assert.Equal(t, 1, summary.Issues[model.IssueStatusUnparsable])
	assert.Equal(t, 1, summary.Issues[model.IssueParentNotFound])
	assert.Equal(t, 1, summary.Issues[model.IssueBasionymNotFound])
	assert.Equal(t, 3, summary.Resolver.Edges[model.RelParentOf])
	assert.Equal(t, 1, summary.Resolver.Edges[model.RelSynonymOf])

	t.Run("records are retrievable", func(t *testing.T) {
		id, err := s.ByLookupKey(ctx, model.KindUsage, "2")
		require.NoError(t, err)
		rec, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Abies", rec.Name, "first record wins the duplicated id")

		id, err = s.ByLookupKey(ctx, model.KindUsage, "1")
		require.NoError(t, err)
		rec, err = s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "conifers", rec.Remarks)
		assert.True(t, rec.HasLabel(model.LabelRoot))
	})

	t.Run("tree", func(t *testing.T) {
		var names []string
		for n, err := range traverse.New(s).Nodes(ctx, traverse.DefaultOptions()) {
			require.NoError(t, err)
			names = append(names, n.Name)
		}
		assert.Equal(t, []string{
			"Pinaceae", "Abies", "Abies alba", "Abies pectinata", "Abies nordmanniana",
			"Abies duplicate", "Abies grandis",
		}, names)
	})
}

func TestRunRequiresTransactional(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.StartBatchMode(ctx))

	_, err := New(s, DefaultOptions()).Run(ctx, NewSliceSource())
	assert.ErrorIs(t, err, staging.ErrIllegalState)
}

func TestRunCancelled(t *testing.T) {
	s := openStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recs := []*model.Record{{SourceID: "1", Name: "A"}}
	_, err := New(s, DefaultOptions()).Run(ctx, NewSliceSource(recs...))
	assert.ErrorIs(t, err, staging.ErrIncomplete)
	assert.ErrorIs(t, err, context.Canceled)
}
