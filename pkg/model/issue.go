package model

// Issue is a non-blocking data-quality annotation attached to a record.
// Issues never abort an import; they are reported in the import summary.
type Issue string

const (
	IssueIDMissing              Issue = "id missing"
	IssueIDNotUnique            Issue = "id not unique"
	IssueNameMissing            Issue = "name missing"
	IssueRankUnparsable         Issue = "rank unparsable"
	IssueStatusUnparsable       Issue = "status unparsable"
	IssueParentNotFound         Issue = "parent id not found"
	IssueParentIsSynonym        Issue = "parent is synonym"
	IssueAcceptedNotFound       Issue = "accepted id not found"
	IssueBasionymNotFound       Issue = "basionym id not found"
	IssueSelfReference          Issue = "self referencing relation"
	IssueDuplicateParent        Issue = "duplicate parent"
	IssueCircularClassification Issue = "circular classification"
	IssueSynonymNoAccepted      Issue = "synonym without accepted name"
)

// AllIssues lists the issue vocabulary in reporting order.
var AllIssues = []Issue{
	IssueIDMissing,
	IssueIDNotUnique,
	IssueNameMissing,
	IssueRankUnparsable,
	IssueStatusUnparsable,
	IssueParentNotFound,
	IssueParentIsSynonym,
	IssueAcceptedNotFound,
	IssueBasionymNotFound,
	IssueSelfReference,
	IssueDuplicateParent,
	IssueCircularClassification,
	IssueSynonymNoAccepted,
}
