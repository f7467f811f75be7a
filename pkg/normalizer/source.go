package normalizer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// Source delivers the records of one dataset. Next returns io.EOF after the
// last record.
type Source interface {
	Next() (*model.Record, error)
}

// maxLineSize bounds a single JSON line. Extension payloads can be large.
const maxLineSize = 16 * 1024 * 1024

// JSONLSource reads one JSON object per line:
//
//	{"id":"1","rank":"family","name":"Pinaceae"}
//	{"id":"2","rank":"genus","name":"Abies","authorship":"Mill.","parentId":"1"}
//	{"id":"3","status":"synonym","name":"Picea","acceptedIds":"2|7"}
//
// Blank lines are ignored. Lines that are not valid JSON, or that carry an
// unknown kind, are skipped and counted in Malformed. Unparsable ranks and
// statuses are kept as issues on the record.
type JSONLSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	name    string

	line      int
	malformed int
}

// NewJSONLSource reads records from r. name is used in log messages.
func NewJSONLSource(r io.Reader, name string) *JSONLSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &JSONLSource{scanner: scanner, name: name}
}

// OpenJSONL opens a JSON lines file. Close must be called when done.
func OpenJSONL(path string) (*JSONLSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	src := NewJSONLSource(f, path)
	src.closer = f
	return src, nil
}

// Next returns the next well-formed record.
func (s *JSONLSource) Next() (*model.Record, error) {
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			s.malformed++
			log.Printf("[normalizer] WARNING: %s:%d skipped: %v", s.name, s.line, err)
			continue
		}
		return rec, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s line %d: %w", s.name, s.line+1, err)
	}
	return nil, io.EOF
}

// Malformed returns the number of skipped lines so far.
func (s *JSONLSource) Malformed() int {
	return s.malformed
}

// Close closes the underlying file, if the source opened one.
func (s *JSONLSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// jsonRecord is the line format. Ids may be strings or numbers.
type jsonRecord struct {
	ID             text              `json:"id"`
	Kind           string            `json:"kind"`
	Name           string            `json:"name"`
	Authorship     string            `json:"authorship"`
	Rank           string            `json:"rank"`
	Status         string            `json:"status"`
	ParentID       text              `json:"parentId"`
	BasionymID     text              `json:"basionymId"`
	AcceptedIDs    idList            `json:"acceptedIds"`
	Classification map[string]string `json:"classification"`
	Extensions     map[string]any    `json:"extensions"`
	Remarks        string            `json:"remarks"`
}

func parseLine(line []byte) (*model.Record, error) {
	var raw jsonRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	kind, err := model.ParseKind(raw.Kind)
	if err != nil {
		return nil, err
	}

	rec := &model.Record{
		SourceID:       strings.TrimSpace(string(raw.ID)),
		Kind:           kind,
		Name:           strings.TrimSpace(raw.Name),
		Authorship:     strings.TrimSpace(raw.Authorship),
		ParentID:       strings.TrimSpace(string(raw.ParentID)),
		BasionymID:     strings.TrimSpace(string(raw.BasionymID)),
		AcceptedIDs:    raw.AcceptedIDs,
		Classification: raw.Classification,
		Extensions:     raw.Extensions,
		Remarks:        raw.Remarks,
	}
	if rec.Rank, err = model.ParseRank(raw.Rank); err != nil {
		rec.AddIssue(model.IssueRankUnparsable)
	}
	if rec.Status, err = model.ParseStatus(raw.Status); err != nil {
		rec.AddIssue(model.IssueStatusUnparsable)
	}
	if kind == model.KindUsage && rec.Status == model.StatusNone && len(rec.AcceptedIDs) > 0 {
		rec.Status = model.StatusSynonym
	}
	return rec, nil
}

// text accepts a JSON string, number or null.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = text(s)
	default:
		if _, err := strconv.ParseFloat(string(b), 64); err != nil {
			return fmt.Errorf("id must be a string or number, got %s", b)
		}
		*t = text(b)
	}
	return nil
}

// idList accepts an array of ids or a single string with ids separated by
// commas or pipes.
type idList []string

func (l *idList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var items []text
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = appendID(out, string(it))
		}
		*l = out
		return nil
	}
	var single text
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	*l = splitIDs(string(single))
	return nil
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		out = appendID(out, part)
	}
	return out
}

func appendID(ids []string, id string) []string {
	id = strings.TrimSpace(id)
	if id == "" || slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

// SliceSource serves records from memory.
type SliceSource struct {
	records []*model.Record
	pos     int
}

// NewSliceSource returns a source over recs.
func NewSliceSource(recs ...*model.Record) *SliceSource {
	return &SliceSource{records: recs}
}

func (s *SliceSource) Next() (*model.Record, error) {
	if s.pos >= len(s.records) {
		return nil, io.EOF
	}
	rec := s.records[s.pos]
	s.pos++
	return rec, nil
}
