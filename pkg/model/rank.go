package model

import (
	"fmt"
	"strings"
)

// Rank is a taxonomic rank. Ranks are ordered from the highest (RankDomain)
// to the lowest (RankStrain); RankUnranked and RankOther cannot be compared.
type Rank uint8

const (
	RankNone Rank = iota
	RankDomain
	RankSuperkingdom
	RankKingdom
	RankSubkingdom
	RankSuperphylum
	RankPhylum
	RankSubphylum
	RankSuperclass
	RankClass
	RankSubclass
	RankInfraclass
	RankSuperorder
	RankOrder
	RankSuborder
	RankInfraorder
	RankSuperfamily
	RankFamily
	RankSubfamily
	RankTribe
	RankSubtribe
	RankGenus
	RankSubgenus
	RankSection
	RankSeries
	RankSpeciesAggregate
	RankSpecies
	RankSubspecies
	RankVariety
	RankForm
	RankStrain
	RankUnranked
	RankOther
)

var rankNames = [...]string{
	RankNone:             "",
	RankDomain:           "DOMAIN",
	RankSuperkingdom:     "SUPERKINGDOM",
	RankKingdom:          "KINGDOM",
	RankSubkingdom:       "SUBKINGDOM",
	RankSuperphylum:      "SUPERPHYLUM",
	RankPhylum:           "PHYLUM",
	RankSubphylum:        "SUBPHYLUM",
	RankSuperclass:       "SUPERCLASS",
	RankClass:            "CLASS",
	RankSubclass:         "SUBCLASS",
	RankInfraclass:       "INFRACLASS",
	RankSuperorder:       "SUPERORDER",
	RankOrder:            "ORDER",
	RankSuborder:         "SUBORDER",
	RankInfraorder:       "INFRAORDER",
	RankSuperfamily:      "SUPERFAMILY",
	RankFamily:           "FAMILY",
	RankSubfamily:        "SUBFAMILY",
	RankTribe:            "TRIBE",
	RankSubtribe:         "SUBTRIBE",
	RankGenus:            "GENUS",
	RankSubgenus:         "SUBGENUS",
	RankSection:          "SECTION",
	RankSeries:           "SERIES",
	RankSpeciesAggregate: "SPECIES_AGGREGATE",
	RankSpecies:          "SPECIES",
	RankSubspecies:       "SUBSPECIES",
	RankVariety:          "VARIETY",
	RankForm:             "FORM",
	RankStrain:           "STRAIN",
	RankUnranked:         "UNRANKED",
	RankOther:            "OTHER",
}

var rankAliases = map[string]Rank{
	"SP":          RankSpecies,
	"SPEC":        RankSpecies,
	"SUBSP":       RankSubspecies,
	"SSP":         RankSubspecies,
	"INFRASPEC":   RankSubspecies,
	"VAR":         RankVariety,
	"F":           RankForm,
	"FO":          RankForm,
	"FORMA":       RankForm,
	"GEN":         RankGenus,
	"SUBGEN":      RankSubgenus,
	"FAM":         RankFamily,
	"SUBFAM":      RankSubfamily,
	"ORD":         RankOrder,
	"CL":          RankClass,
	"PHYL":        RankPhylum,
	"DIVISION":    RankPhylum,
	"REGNUM":      RankKingdom,
	"AGGREGATE":   RankSpeciesAggregate,
	"AGG":         RankSpeciesAggregate,
	"SUPERDOMAIN": RankDomain,
	"EMPIRE":      RankDomain,
	"CLADE":       RankUnranked,
	"NO RANK":     RankUnranked,
}

// String returns the upper case rank name.
func (r Rank) String() string {
	if int(r) < len(rankNames) {
		return rankNames[r]
	}
	return fmt.Sprintf("RANK(%d)", uint8(r))
}

// Comparable reports whether r has a fixed position in the rank hierarchy.
func (r Rank) Comparable() bool {
	return r >= RankDomain && r <= RankStrain
}

// Higher reports whether r is a strictly higher (coarser) rank than o.
// Uncomparable ranks are never higher or lower than anything.
func (r Rank) Higher(o Rank) bool {
	return r.Comparable() && o.Comparable() && r < o
}

// Lower reports whether r is a strictly lower (finer) rank than o.
func (r Rank) Lower(o Rank) bool {
	return r.Comparable() && o.Comparable() && r > o
}

// SortKey orders ranks for sibling sorting: comparable ranks by hierarchy,
// then uncomparable and missing ranks last.
func (r Rank) SortKey() int {
	if r.Comparable() {
		return int(r)
	}
	if r == RankNone {
		return int(RankOther) + 2
	}
	return int(RankOther) + 1
}

// ParseRank parses a rank name or common abbreviation case-insensitively.
// Empty input returns RankNone without error.
func ParseRank(s string) (Rank, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.TrimSuffix(norm, ".")
	if norm == "" {
		return RankNone, nil
	}
	norm = strings.ReplaceAll(norm, "-", "_")
	for i, name := range rankNames {
		if name != "" && name == norm {
			return Rank(i), nil
		}
	}
	if r, ok := rankAliases[norm]; ok {
		return r, nil
	}
	if r, ok := rankAliases[strings.ReplaceAll(norm, "_", " ")]; ok {
		return r, nil
	}
	return RankNone, fmt.Errorf("unparsable rank %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Rank) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rank) UnmarshalText(b []byte) error {
	parsed, err := ParseRank(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
