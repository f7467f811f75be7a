// Package model defines the entities handled by the checklist staging store.
//
// A staged dataset consists of usages (taxa and synonyms), names and references.
// Every entity gets a process-local NodeID when it is first put into the store.
// The dataset's own string identifiers (SourceID) are only used to resolve
// textual foreign keys into graph edges, see package resolver.
//
// Example:
//
//	rec := &model.Record{
//		SourceID: "urn:lsid:abies-alba",
//		Kind:     model.KindUsage,
//		Name:     "Abies alba",
//		Rank:     model.RankSpecies,
//		Status:   model.StatusAccepted,
//		ParentID: "urn:lsid:abies",
//	}
//	id, err := store.Put(ctx, rec)
package model

import (
	"fmt"
	"strings"
)

// NodeID is the internal identifier of a staged entity.
//
// Ids are allocated monotonically and never recycled. They are also the key
// of the entity payload in the record store. Zero means "not yet stored".
type NodeID uint64

// EdgeID identifies a graph edge. A higher EdgeID was created later.
type EdgeID uint64

// String formats the id for logs and printers.
func (id NodeID) String() string {
	return fmt.Sprintf("n%d", uint64(id))
}

// Kind is the entity type of a staged record.
type Kind uint8

const (
	KindUsage Kind = iota + 1
	KindName
	KindReference
)

var kindNames = map[Kind]string{
	KindUsage:     "USAGE",
	KindName:      "NAME",
	KindReference: "REFERENCE",
}

// String returns the upper case kind name, which doubles as the node label.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Label returns the graph label for the kind.
func (k Kind) Label() string {
	return k.String()
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses a kind name case-insensitively. Empty input defaults to KindUsage.
func ParseKind(s string) (Kind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "TAXON" || s == "SYNONYM" {
		return KindUsage, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}

// RelType is the type of a graph edge.
type RelType uint8

const (
	// RelParentOf points from the parent usage to the child usage.
	RelParentOf RelType = iota + 1
	// RelSynonymOf points from the synonym to an accepted usage.
	RelSynonymOf
	// RelHasBasionym points from a name or usage to its basionym.
	RelHasBasionym
)

// String returns the relation name as used in logs and issue remarks.
func (r RelType) String() string {
	switch r {
	case RelParentOf:
		return "PARENT_OF"
	case RelSynonymOf:
		return "SYNONYM_OF"
	case RelHasBasionym:
		return "HAS_BASIONYM"
	default:
		return fmt.Sprintf("REL(%d)", uint8(r))
	}
}

// Graph labels.
const (
	LabelUsage     = "USAGE"
	LabelName      = "NAME"
	LabelReference = "REFERENCE"
	LabelSynonym   = "SYNONYM"

	// System labels, owned by the relation resolver.
	LabelRoot       = "ROOT"
	LabelBareName   = "BARE_NAME"
	LabelRelPending = "REL_PENDING"
)

// IsSystemLabel reports whether the label is maintained by the resolver rather
// than derived from the record content.
func IsSystemLabel(label string) bool {
	switch label {
	case LabelRoot, LabelBareName, LabelRelPending:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
