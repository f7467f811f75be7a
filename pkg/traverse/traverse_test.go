package traverse

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/resolver"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

type fixture struct {
	store *staging.Store
	ids   map[string]model.NodeID
}

func setup(t *testing.T, recs ...*model.Record) *fixture {
	t.Helper()
	ctx := context.Background()
	opts := staging.DefaultOptions()
	opts.BadgerLogLevel = storage.LogOff
	s, err := staging.Open(ctx, filepath.Join(t.TempDir(), "stage"), false, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.CloseAndDelete() })

	require.NoError(t, s.StartBatchMode(ctx))
	ids := make(map[string]model.NodeID)
	for _, r := range recs {
		id, err := s.Put(ctx, r)
		require.NoError(t, err)
		ids[r.SourceID] = id
	}
	require.NoError(t, s.Sync(ctx))
	_, err = resolver.New(s, resolver.DefaultOptions()).Resolve(ctx)
	require.NoError(t, err)
	return &fixture{store: s, ids: ids}
}

func tx(id, name string, rank model.Rank, parent string) *model.Record {
	return &model.Record{SourceID: id, Kind: model.KindUsage, Name: name, Rank: rank, Status: model.StatusAccepted, ParentID: parent}
}

func syn(id, name string, accepted ...string) *model.Record {
	return &model.Record{SourceID: id, Kind: model.KindUsage, Name: name, Rank: model.RankSpecies, Status: model.StatusSynonym, AcceptedIDs: accepted}
}

func collectNodes(t *testing.T, f *fixture, opts Options) []*TreeNode {
	t.Helper()
	var out []*TreeNode
	for n, err := range New(f.store).Nodes(context.Background(), opts) {
		require.NoError(t, err)
		out = append(out, n)
	}
	return out
}

func sourceIDs(nodes []*TreeNode) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.SourceID
	}
	return ids
}

func TestNodes_PreOrder(t *testing.T) {
	f := setup(t,
		tx("C", "Abies alba", model.RankSpecies, "B"),
		tx("B", "Abies", model.RankGenus, "A"),
		tx("A", "Pinaceae", model.RankFamily, ""),
	)
	nodes := collectNodes(t, f, DefaultOptions())
	assert.Equal(t, []string{"A", "B", "C"}, sourceIDs(nodes))

	t.Run("depth and parent", func(t *testing.T) {
		assert.Equal(t, 0, nodes[0].Depth)
		assert.Zero(t, nodes[0].ParentID)
		assert.Equal(t, 2, nodes[2].Depth)
		assert.Equal(t, f.ids["B"], nodes[2].ParentID)
	})

	t.Run("repeatable", func(t *testing.T) {
		again := collectNodes(t, f, DefaultOptions())
		assert.Equal(t, sourceIDs(nodes), sourceIDs(again))
	})
}

func TestNodes_SiblingOrder(t *testing.T) {
	f := setup(t,
		tx("F", "Fam", model.RankFamily, ""),
		tx("z", "Zeta", model.RankGenus, "F"),
		tx("a2", "Alpha", model.RankGenus, "F"),
		tx("a1", "Alpha", model.RankGenus, "F"),
		tx("sub", "Mid", model.RankSubfamily, "F"),
		tx("u", "Aaa", model.RankUnranked, "F"),
		tx("n", "Aaa", model.RankNone, "F"),
		syn("s2", "Zsyn", "F"),
		syn("s1", "Asyn", "F"),
	)
	nodes := collectNodes(t, f, DefaultOptions())
	assert.Equal(t, []string{"F", "s1", "s2", "sub", "a1", "a2", "z", "u", "n"}, sourceIDs(nodes))
	assert.True(t, nodes[1].Synonym)
	assert.Equal(t, 1, nodes[1].Depth)
	assert.Equal(t, f.ids["F"], nodes[1].ParentID)
}

func TestNodes_LowestRank(t *testing.T) {
	f := setup(t,
		tx("k", "Plantae", model.RankKingdom, ""),
		tx("p", "Tracheophyta", model.RankPhylum, "k"),
		tx("c", "Pinopsida", model.RankClass, "p"),
		tx("o", "Pinales", model.RankOrder, "c"),
		tx("f", "Pinaceae", model.RankFamily, "o"),
		tx("g", "Abies", model.RankGenus, "f"),
		tx("s", "Abies alba", model.RankSpecies, "g"),
		tx("x", "Clade", model.RankUnranked, "f"),
		tx("xs", "Below clade", model.RankSpecies, "x"),
	)
	opts := DefaultOptions()
	opts.LowestRank = model.RankFamily
	nodes := collectNodes(t, f, opts)

	assert.Equal(t, []string{"k", "p", "c", "o", "f", "x"}, sourceIDs(nodes))
	for _, n := range nodes {
		assert.False(t, n.Rank.Lower(model.RankFamily), "%s is below family", n.Name)
	}
}

func TestProParte(t *testing.T) {
	f := setup(t,
		tx("G", "Genus", model.RankGenus, ""),
		tx("X", "Genus xus", model.RankSpecies, "G"),
		tx("Y", "Genus yus", model.RankSpecies, "G"),
		syn("S", "Genus synonymus", "Y", "X"),
	)

	t.Run("node traversal yields synonym once", func(t *testing.T) {
		nodes := collectNodes(t, f, DefaultOptions())
		assert.Equal(t, []string{"G", "X", "S", "Y"}, sourceIDs(nodes))
		assert.Equal(t, f.ids["X"], nodes[2].ParentID)
	})

	t.Run("path traversal yields synonym per accepted parent", func(t *testing.T) {
		var paths []string
		for p, err := range New(f.store).Paths(context.Background(), DefaultOptions()) {
			require.NoError(t, err)
			paths = append(paths, p.String())
		}
		assert.Equal(t, []string{
			"Genus",
			"Genus > Genus xus",
			"Genus > Genus xus > Genus synonymus",
			"Genus > Genus yus",
			"Genus > Genus yus > Genus synonymus",
		}, paths)
	})

	t.Run("without synonyms", func(t *testing.T) {
		opts := DefaultOptions()
		opts.IncludeSynonyms = false
		assert.Equal(t, []string{"G", "X", "Y"}, sourceIDs(collectNodes(t, f, opts)))
	})
}

func TestSynonymParent(t *testing.T) {
	f := setup(t,
		tx("A", "Abies", model.RankGenus, ""),
		syn("S", "Picea", "A"),
		tx("C", "Abies alba", model.RankSpecies, "S"),
		tx("D", "Abies nana", model.RankSubspecies, "C"),
	)
	nodes := collectNodes(t, f, DefaultOptions())
	require.Equal(t, []string{"A", "S", "C", "D"}, sourceIDs(nodes))
	assert.Equal(t, f.ids["A"], nodes[2].ParentID)
	assert.Equal(t, 1, nodes[2].Depth)
	assert.Equal(t, 2, nodes[3].Depth)
}

func TestMultipleRoots(t *testing.T) {
	f := setup(t,
		tx("r2", "Plantae", model.RankKingdom, ""),
		tx("r1", "Animalia", model.RankKingdom, ""),
		tx("r0", "Bacteria", model.RankDomain, ""),
		tx("c1", "Chordata", model.RankPhylum, "r1"),
		tx("orphan", "Lost", model.RankGenus, "missing"),
	)
	nodes := collectNodes(t, f, DefaultOptions())
	assert.Equal(t, []string{"r0", "r1", "c1", "r2", "orphan"}, sourceIDs(nodes))

	t.Run("explicit roots", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Roots = []model.NodeID{f.ids["r2"], f.ids["c1"]}
		assert.Equal(t, []string{"c1", "r2"}, sourceIDs(collectNodes(t, f, opts)))
	})

	t.Run("early break", func(t *testing.T) {
		var seen int
		for _, err := range New(f.store).Nodes(context.Background(), DefaultOptions()) {
			require.NoError(t, err)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})

	t.Run("cancelled between roots", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		var got []string
		var gotErr error
		for n, err := range New(f.store).Nodes(ctx, DefaultOptions()) {
			if err != nil {
				gotErr = err
				break
			}
			got = append(got, n.SourceID)
		}
		assert.Equal(t, []string{"r0"}, got, "the first root is always visited")
		assert.ErrorIs(t, gotErr, staging.ErrIncomplete)
	})
}

func TestTraverseRequiresSync(t *testing.T) {
	ctx := context.Background()
	opts := staging.DefaultOptions()
	opts.BadgerLogLevel = storage.LogOff
	s, err := staging.Open(ctx, filepath.Join(t.TempDir(), "stage"), false, opts)
	require.NoError(t, err)
	defer s.CloseAndDelete()

	require.NoError(t, s.StartBatchMode(ctx))
	_, err = s.Put(ctx, tx("A", "A", model.RankGenus, ""))
	require.NoError(t, err)

	var calls int
	for n, err := range New(s).Nodes(ctx, DefaultOptions()) {
		calls++
		assert.Nil(t, n)
		assert.ErrorIs(t, err, staging.ErrIllegalState)
	}
	assert.Equal(t, 1, calls)
}

func TestPrinter(t *testing.T) {
	f := setup(t,
		tx("f", "Pinaceae", model.RankFamily, ""),
		&model.Record{SourceID: "g", Kind: model.KindUsage, Name: "Abies", Authorship: "Mill.", Rank: model.RankGenus, Status: model.StatusAccepted, ParentID: "f"},
		syn("s", "Picea", "g"),
	)

	var buf bytes.Buffer
	require.NoError(t, Printer{}.PrintTree(&buf, New(f.store).Nodes(context.Background(), DefaultOptions())))
	assert.Equal(t, "Pinaceae [family]\n  Abies Mill. [genus]\n    =Picea [species]\n", buf.String())

	buf.Reset()
	require.NoError(t, Printer{ByID: true, Indent: "\t"}.PrintTree(&buf, New(f.store).Nodes(context.Background(), DefaultOptions())))
	assert.Equal(t, "f [family]\n\tg [genus]\n\t\t=s [species]\n", buf.String())
}
