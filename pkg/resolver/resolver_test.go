package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

func setupStore(t *testing.T, recs ...*model.Record) (*staging.Store, map[string]model.NodeID) {
	t.Helper()
	ctx := context.Background()
	opts := staging.DefaultOptions()
	opts.BadgerLogLevel = storage.LogOff
	s, err := staging.Open(ctx, filepath.Join(t.TempDir(), "stage"), false, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.CloseAndDelete() })

	require.NoError(t, s.StartBatchMode(ctx))
	ids := make(map[string]model.NodeID, len(recs))
	for _, r := range recs {
		id, err := s.Put(ctx, r)
		require.NoError(t, err)
		ids[r.SourceID] = id
	}
	require.NoError(t, s.Sync(ctx))
	return s, ids
}

func taxon(id, parent string, rank model.Rank) *model.Record {
	return &model.Record{SourceID: id, Kind: model.KindUsage, Name: "Taxon " + id, Rank: rank, Status: model.StatusAccepted, ParentID: parent}
}

func synonym(id string, accepted ...string) *model.Record {
	return &model.Record{SourceID: id, Kind: model.KindUsage, Name: "Synonym " + id, Rank: model.RankSpecies, Status: model.StatusSynonym, AcceptedIDs: accepted}
}

func parentOf(t *testing.T, s *staging.Store, child model.NodeID) []model.NodeID {
	t.Helper()
	var parents []model.NodeID
	require.NoError(t, s.View(context.Background(), func(tx *staging.Tx) error {
		edges, err := tx.Incoming(child, model.RelParentOf)
		for _, e := range edges {
			parents = append(parents, e.Start)
		}
		return err
	}))
	return parents
}

func labelled(t *testing.T, s *staging.Store, id model.NodeID, label string) bool {
	t.Helper()
	n, err := s.Node(context.Background(), id)
	require.NoError(t, err)
	return n.HasLabel(label)
}

func issues(t *testing.T, s *staging.Store, id model.NodeID) []model.Issue {
	t.Helper()
	rec, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Issues
}

func resolve(t *testing.T, s *staging.Store, opts Options) Report {
	t.Helper()
	report, err := New(s, opts).Resolve(context.Background())
	require.NoError(t, err)
	return report
}

func TestResolve_Chain(t *testing.T) {
	// children before parents: references point forward
	s, ids := setupStore(t,
		taxon("C", "B", model.RankSpecies),
		taxon("B", "A", model.RankGenus),
		taxon("A", "", model.RankFamily),
	)
	report := resolve(t, s, DefaultOptions())

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Edges[model.RelParentOf])
	assert.Equal(t, 1, report.Roots)
	assert.Equal(t, []model.NodeID{ids["B"]}, parentOf(t, s, ids["C"]))
	assert.Equal(t, []model.NodeID{ids["A"]}, parentOf(t, s, ids["B"]))

	assert.True(t, labelled(t, s, ids["A"], model.LabelRoot))
	assert.False(t, labelled(t, s, ids["B"], model.LabelRoot))
	assert.False(t, labelled(t, s, ids["C"], model.LabelRelPending))

	t.Run("second run has nothing pending", func(t *testing.T) {
		again := resolve(t, s, DefaultOptions())
		assert.Zero(t, again.Processed)
		assert.Equal(t, 1, again.Roots)
	})
}

func TestResolve_MissingParent(t *testing.T) {
	s, ids := setupStore(t,
		taxon("A", "", model.RankFamily),
		taxon("D", "missing", model.RankGenus),
	)
	report := resolve(t, s, DefaultOptions())

	assert.Empty(t, parentOf(t, s, ids["D"]))
	assert.Equal(t, []model.Issue{model.IssueParentNotFound}, issues(t, s, ids["D"]))
	assert.True(t, labelled(t, s, ids["D"], model.LabelRoot), "orphan becomes an additional root")
	assert.Equal(t, 2, report.Roots)
	assert.Equal(t, 1, report.Issues[model.IssueParentNotFound])
}

func TestResolve_SelfReference(t *testing.T) {
	s, ids := setupStore(t, taxon("A", "A", model.RankFamily))
	resolve(t, s, DefaultOptions())

	assert.Empty(t, parentOf(t, s, ids["A"]))
	assert.Equal(t, []model.Issue{model.IssueSelfReference}, issues(t, s, ids["A"]))
	assert.True(t, labelled(t, s, ids["A"], model.LabelRoot))
}

func TestResolve_TwoCycle(t *testing.T) {
	t.Run("first seen drops the newest edge", func(t *testing.T) {
		s, ids := setupStore(t,
			taxon("A", "B", model.RankGenus),
			taxon("B", "A", model.RankGenus),
		)
		report := resolve(t, s, DefaultOptions())

		assert.Equal(t, 1, report.CyclesBroken)
		assert.Equal(t, 1, report.Edges[model.RelParentOf])
		// A was linked first, so the edge into B is the newest
		assert.Equal(t, []model.NodeID{ids["B"]}, parentOf(t, s, ids["A"]))
		assert.Empty(t, parentOf(t, s, ids["B"]))
		assert.Contains(t, issues(t, s, ids["B"]), model.IssueCircularClassification)
		assert.NotContains(t, issues(t, s, ids["A"]), model.IssueCircularClassification)
		assert.True(t, labelled(t, s, ids["B"], model.LabelRoot))
	})

	t.Run("last seen drops the oldest edge", func(t *testing.T) {
		s, ids := setupStore(t,
			taxon("A", "B", model.RankGenus),
			taxon("B", "A", model.RankGenus),
		)
		resolve(t, s, Options{BatchSize: 10, TieBreak: LastSeen})

		assert.Empty(t, parentOf(t, s, ids["A"]))
		assert.Equal(t, []model.NodeID{ids["A"]}, parentOf(t, s, ids["B"]))
		assert.Contains(t, issues(t, s, ids["A"]), model.IssueCircularClassification)
		assert.True(t, labelled(t, s, ids["A"], model.LabelRoot))
	})
}

func TestResolve_CycleAcrossWindows(t *testing.T) {
	s, ids := setupStore(t,
		taxon("A", "B", model.RankGenus),
		taxon("B", "C", model.RankGenus),
		taxon("C", "A", model.RankGenus),
		taxon("D", "A", model.RankSpecies),
	)
	report := resolve(t, s, Options{BatchSize: 1})

	assert.Equal(t, 1, report.CyclesBroken)
	assert.Equal(t, 3, report.Edges[model.RelParentOf])
	// C -> A closed the cycle last
	assert.Empty(t, parentOf(t, s, ids["C"]))
	assert.Contains(t, issues(t, s, ids["C"]), model.IssueCircularClassification)
	assert.True(t, labelled(t, s, ids["C"], model.LabelRoot))
	assert.Equal(t, 1, report.Roots)
}

func TestResolve_DuplicateParent(t *testing.T) {
	s, ids := setupStore(t,
		taxon("P1", "", model.RankGenus),
		taxon("P2", "", model.RankGenus),
		taxon("C", "P2", model.RankSpecies),
	)
	// an edge that already exists before resolution
	require.NoError(t, s.Transact(context.Background(), func(tx *staging.Tx) error {
		_, err := tx.CreateEdge(model.RelParentOf, ids["P1"], ids["C"])
		return err
	}))

	report := resolve(t, s, DefaultOptions())
	assert.Equal(t, 1, report.DuplicateParents)
	assert.Equal(t, []model.NodeID{ids["P1"]}, parentOf(t, s, ids["C"]))
	assert.Contains(t, issues(t, s, ids["C"]), model.IssueDuplicateParent)
}

func TestResolve_Synonyms(t *testing.T) {
	s, ids := setupStore(t,
		taxon("G", "", model.RankGenus),
		taxon("X", "G", model.RankSpecies),
		taxon("Y", "G", model.RankSpecies),
		synonym("S", "X", "Y", "X"),
		synonym("Bare", "nowhere"),
		&model.Record{SourceID: "P", Kind: model.KindUsage, Name: "Parent synonym", Status: model.StatusSynonym, ParentID: "X"},
	)
	report := resolve(t, s, DefaultOptions())

	t.Run("pro parte fans out", func(t *testing.T) {
		var targets []model.NodeID
		require.NoError(t, s.View(context.Background(), func(tx *staging.Tx) error {
			edges, err := tx.Outgoing(ids["S"], model.RelSynonymOf)
			for _, e := range edges {
				targets = append(targets, e.End)
			}
			return err
		}))
		assert.ElementsMatch(t, []model.NodeID{ids["X"], ids["Y"]}, targets)
		assert.Empty(t, parentOf(t, s, ids["S"]))
		assert.False(t, labelled(t, s, ids["S"], model.LabelRoot))
	})

	t.Run("unresolved synonym becomes bare name", func(t *testing.T) {
		assert.True(t, labelled(t, s, ids["Bare"], model.LabelBareName))
		assert.False(t, labelled(t, s, ids["Bare"], model.LabelRoot))
		assert.ElementsMatch(t, []model.Issue{model.IssueAcceptedNotFound, model.IssueSynonymNoAccepted}, issues(t, s, ids["Bare"]))
		assert.Equal(t, 1, report.BareNames)
	})

	t.Run("synonym parent id means accepted", func(t *testing.T) {
		var edges []*storage.Edge
		require.NoError(t, s.View(context.Background(), func(tx *staging.Tx) error {
			var err error
			edges, err = tx.Outgoing(ids["P"], model.RelSynonymOf)
			return err
		}))
		require.Len(t, edges, 1)
		assert.Equal(t, ids["X"], edges[0].End)
		assert.Empty(t, parentOf(t, s, ids["P"]))
	})

	assert.Equal(t, 3, report.Edges[model.RelSynonymOf])
	assert.Equal(t, 1, report.Roots)
}

func TestResolve_SynonymParent(t *testing.T) {
	s, ids := setupStore(t,
		taxon("A", "", model.RankGenus),
		synonym("S", "A"),
		taxon("C", "S", model.RankSpecies),
		synonym("Lost", "nowhere"),
		taxon("D", "Lost", model.RankSpecies),
		&model.Record{SourceID: "P", Kind: model.KindUsage, Name: "Parent synonym", Status: model.StatusSynonym, ParentID: "A"},
		taxon("E", "P", model.RankSpecies),
	)
	report := resolve(t, s, DefaultOptions())

	t.Run("child moves to the accepted usage", func(t *testing.T) {
		assert.Equal(t, []model.NodeID{ids["A"]}, parentOf(t, s, ids["C"]))
		assert.Equal(t, []model.Issue{model.IssueParentIsSynonym}, issues(t, s, ids["C"]))
		assert.False(t, labelled(t, s, ids["C"], model.LabelRoot))
	})

	t.Run("accepted usage from the synonym's parent id", func(t *testing.T) {
		assert.Equal(t, []model.NodeID{ids["A"]}, parentOf(t, s, ids["E"]))
	})

	t.Run("no accepted usage makes a root", func(t *testing.T) {
		assert.Empty(t, parentOf(t, s, ids["D"]))
		assert.Equal(t, []model.Issue{model.IssueParentIsSynonym}, issues(t, s, ids["D"]))
		assert.True(t, labelled(t, s, ids["D"], model.LabelRoot))
	})

	assert.Empty(t, parentOf(t, s, ids["S"]))
	assert.Equal(t, 3, report.Issues[model.IssueParentIsSynonym])
	assert.Equal(t, 2, report.Edges[model.RelParentOf])
	assert.Equal(t, 2, report.Roots)
}

func TestResolve_ManyChildren(t *testing.T) {
	if testing.Short() {
		t.Skip("links more nodes than one graph transaction can hold")
	}
	const children = 12000
	recs := make([]*model.Record, 0, children+1)
	recs = append(recs, taxon("R", "", model.RankKingdom))
	for i := 0; i < children; i++ {
		recs = append(recs, taxon(fmt.Sprintf("c%d", i), "R", model.RankSpecies))
	}
	s, ids := setupStore(t, recs...)

	report := resolve(t, s, DefaultOptions())
	assert.Equal(t, children, report.Processed)
	assert.Equal(t, children, report.Edges[model.RelParentOf])
	assert.Zero(t, report.CyclesBroken)
	assert.Equal(t, 1, report.Roots)
	assert.Equal(t, []model.NodeID{ids["R"]}, parentOf(t, s, ids[fmt.Sprintf("c%d", children-1)]))
	assert.False(t, labelled(t, s, ids["c0"], model.LabelRoot))
}

func TestResolve_Basionym(t *testing.T) {
	s, ids := setupStore(t,
		&model.Record{SourceID: "n1", Kind: model.KindName, Name: "Picea abies"},
		&model.Record{SourceID: "n2", Kind: model.KindName, Name: "Pinus abies", BasionymID: "n1"},
		&model.Record{SourceID: "n3", Kind: model.KindName, Name: "Abies picea", BasionymID: "zz"},
		// same source id as n1 but of another kind: must not resolve
		&model.Record{SourceID: "u1", Kind: model.KindUsage, Name: "Usage", Status: model.StatusAccepted, BasionymID: "n1"},
	)
	report := resolve(t, s, DefaultOptions())

	var edges []*storage.Edge
	require.NoError(t, s.View(context.Background(), func(tx *staging.Tx) error {
		var err error
		edges, err = tx.Outgoing(ids["n2"], model.RelHasBasionym)
		return err
	}))
	require.Len(t, edges, 1)
	assert.Equal(t, ids["n1"], edges[0].End)

	assert.Equal(t, []model.Issue{model.IssueBasionymNotFound}, issues(t, s, ids["n3"]))
	assert.Equal(t, []model.Issue{model.IssueBasionymNotFound}, issues(t, s, ids["u1"]))
	assert.Equal(t, 1, report.Edges[model.RelHasBasionym])
}

func TestResolve_RequiresTransactional(t *testing.T) {
	ctx := context.Background()
	s, _ := setupStore(t)
	require.NoError(t, s.StartBatchMode(ctx))

	_, err := New(s, DefaultOptions()).Resolve(ctx)
	assert.ErrorIs(t, err, staging.ErrIllegalState)
}

func TestResolve_Cancelled(t *testing.T) {
	s, _ := setupStore(t,
		taxon("A", "", model.RankFamily),
		taxon("B", "A", model.RankGenus),
		taxon("C", "A", model.RankGenus),
		taxon("D", "A", model.RankGenus),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := New(s, Options{BatchSize: 1}).Resolve(ctx)
	require.ErrorIs(t, err, staging.ErrIncomplete)
	assert.Equal(t, 1, report.Processed)

	// resuming finishes the remaining nodes
	report = resolve(t, s, Options{BatchSize: 1})
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Roots)
}

func TestParseTieBreak(t *testing.T) {
	tb, err := ParseTieBreak("LAST")
	require.NoError(t, err)
	assert.Equal(t, LastSeen, tb)

	tb, err = ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, FirstSeen, tb)

	_, err = ParseTieBreak("random")
	assert.Error(t, err)
}
