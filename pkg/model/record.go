package model

import "slices"

// Record is one staged entity as delivered by an upstream inserter.
//
// The scalar fields Name, Authorship, Rank and Status are projected onto the
// graph node; everything else only lives in the record store payload.
// ParentID, BasionymID and AcceptedIDs are textual foreign keys into the
// dataset's own identifier space and are turned into edges by the resolver.
type Record struct {
	ID       NodeID `json:"-"`
	SourceID string `json:"sourceId"`
	Kind     Kind   `json:"kind"`

	Name       string `json:"name,omitempty"`
	Authorship string `json:"authorship,omitempty"`
	Rank       Rank   `json:"rank,omitempty"`
	Status     Status `json:"status,omitempty"`

	ParentID    string   `json:"parentId,omitempty"`
	BasionymID  string   `json:"basionymId,omitempty"`
	AcceptedIDs []string `json:"acceptedIds,omitempty"`

	Classification map[string]string `json:"classification,omitempty"`
	Extensions     map[string]any    `json:"extensions,omitempty"`
	Remarks        string            `json:"remarks,omitempty"`

	Issues []Issue `json:"issues,omitempty"`

	// Labels is filled on read and ignored on write.
	Labels []string `json:"-"`
}

// HasRelations reports whether the record carries any textual foreign key.
func (r *Record) HasRelations() bool {
	return r.ParentID != "" || r.BasionymID != "" || len(r.AcceptedIDs) > 0
}

// AddIssue appends an issue unless it is already present.
// It returns true if the issue was added.
func (r *Record) AddIssue(issue Issue) bool {
	if r.HasIssue(issue) {
		return false
	}
	r.Issues = append(r.Issues, issue)
	return true
}

// HasIssue reports whether the record carries the given issue.
func (r *Record) HasIssue(issue Issue) bool {
	return slices.Contains(r.Issues, issue)
}

// IsSynonym reports whether the record is a synonym usage.
func (r *Record) IsSynonym() bool {
	return r.Kind == KindUsage && r.Status.IsSynonym()
}

// HasLabel reports whether the label was present when the record was read.
func (r *Record) HasLabel(label string) bool {
	return slices.Contains(r.Labels, label)
}

// Validate checks the record for data-quality problems and attaches issues.
// It returns false if the record is too broken to take part in relation
// resolution (no source id).
func (r *Record) Validate() bool {
	ok := true
	if r.SourceID == "" {
		r.AddIssue(IssueIDMissing)
		ok = false
	}
	if r.Name == "" && r.Kind != KindReference {
		r.AddIssue(IssueNameMissing)
	}
	if !r.Kind.Valid() {
		r.Kind = KindUsage
	}
	return ok
}

// DerivedLabels returns the labels implied by the record content.
func (r *Record) DerivedLabels() []string {
	labels := []string{r.Kind.Label()}
	if r.IsSynonym() {
		labels = append(labels, LabelSynonym)
	}
	return labels
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.AcceptedIDs = slices.Clone(r.AcceptedIDs)
	c.Issues = slices.Clone(r.Issues)
	c.Labels = slices.Clone(r.Labels)
	if r.Classification != nil {
		c.Classification = make(map[string]string, len(r.Classification))
		for k, v := range r.Classification {
			c.Classification[k] = v
		}
	}
	if r.Extensions != nil {
		c.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}
