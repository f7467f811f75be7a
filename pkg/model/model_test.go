package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRank(t *testing.T) {
	t.Run("names_and_aliases", func(t *testing.T) {
		cases := map[string]Rank{
			"species":           RankSpecies,
			" FAMILY ":          RankFamily,
			"sp.":               RankSpecies,
			"subsp.":            RankSubspecies,
			"var":               RankVariety,
			"species-aggregate": RankSpeciesAggregate,
			"no rank":           RankUnranked,
			"":                  RankNone,
		}
		for in, want := range cases {
			got, err := ParseRank(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got, in)
		}
	})

	t.Run("unparsable", func(t *testing.T) {
		_, err := ParseRank("superduper")
		assert.Error(t, err)
	})
}

func TestRankOrdering(t *testing.T) {
	assert.True(t, RankKingdom.Higher(RankFamily))
	assert.True(t, RankSpecies.Lower(RankFamily))
	assert.False(t, RankFamily.Lower(RankFamily))
	assert.False(t, RankUnranked.Lower(RankFamily))
	assert.False(t, RankFamily.Higher(RankOther))
	assert.Less(t, RankGenus.SortKey(), RankUnranked.SortKey())
	assert.Less(t, RankUnranked.SortKey(), RankNone.SortKey())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("accepted")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, st)

	st, err = ParseStatus("homotypic synonym")
	require.NoError(t, err)
	assert.True(t, st.IsSynonym())

	st, err = ParseStatus("misapplied")
	require.NoError(t, err)
	assert.True(t, st.IsSynonym())
	assert.False(t, st.IsAccepted())

	_, err = ParseStatus("maybe")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindUsage, k)

	k, err = ParseKind("name")
	require.NoError(t, err)
	assert.Equal(t, KindName, k)

	_, err = ParseKind("treatment")
	assert.Error(t, err)
}

func TestRecord(t *testing.T) {
	t.Run("issues_are_deduplicated", func(t *testing.T) {
		r := &Record{SourceID: "1", Name: "Abies"}
		assert.True(t, r.AddIssue(IssueParentNotFound))
		assert.False(t, r.AddIssue(IssueParentNotFound))
		assert.Equal(t, []Issue{IssueParentNotFound}, r.Issues)
	})

	t.Run("validate_flags_missing_id", func(t *testing.T) {
		r := &Record{Name: "Abies"}
		assert.False(t, r.Validate())
		assert.True(t, r.HasIssue(IssueIDMissing))
		assert.Equal(t, KindUsage, r.Kind)
	})

	t.Run("derived_labels", func(t *testing.T) {
		r := &Record{SourceID: "s", Kind: KindUsage, Status: StatusSynonym}
		assert.Equal(t, []string{LabelUsage, LabelSynonym}, r.DerivedLabels())
		n := &Record{SourceID: "n", Kind: KindName}
		assert.Equal(t, []string{LabelName}, n.DerivedLabels())
	})

	t.Run("clone_is_deep", func(t *testing.T) {
		r := &Record{
			SourceID:       "1",
			AcceptedIDs:    []string{"a"},
			Classification: map[string]string{"family": "Pinaceae"},
		}
		c := r.Clone()
		c.AcceptedIDs[0] = "b"
		c.Classification["family"] = "Rosaceae"
		assert.Equal(t, "a", r.AcceptedIDs[0])
		assert.Equal(t, "Pinaceae", r.Classification["family"])
	})

	t.Run("has_relations", func(t *testing.T) {
		assert.False(t, (&Record{SourceID: "x"}).HasRelations())
		assert.True(t, (&Record{SourceID: "x", AcceptedIDs: []string{"y"}}).HasRelations())
	})
}
