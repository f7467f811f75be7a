package model

import (
	"fmt"
	"strings"
)

// Status is the taxonomic status of a usage.
type Status uint8

const (
	StatusNone Status = iota
	StatusAccepted
	StatusProvisionallyAccepted
	StatusSynonym
	StatusAmbiguousSynonym
	StatusMisapplied
	StatusBareName
)

var statusNames = [...]string{
	StatusNone:                  "",
	StatusAccepted:              "ACCEPTED",
	StatusProvisionallyAccepted: "PROVISIONALLY_ACCEPTED",
	StatusSynonym:               "SYNONYM",
	StatusAmbiguousSynonym:      "AMBIGUOUS_SYNONYM",
	StatusMisapplied:            "MISAPPLIED",
	StatusBareName:              "BARE_NAME",
}

var statusAliases = map[string]Status{
	"VALID":               StatusAccepted,
	"DOUBTFUL":            StatusProvisionallyAccepted,
	"PROVISIONAL":         StatusProvisionallyAccepted,
	"HETEROTYPIC_SYNONYM": StatusSynonym,
	"HOMOTYPIC_SYNONYM":   StatusSynonym,
	"HOMOTYPICSYNONYM":    StatusSynonym,
	"HETEROTYPICSYNONYM":  StatusSynonym,
	"OBJECTIVE_SYNONYM":   StatusSynonym,
	"SUBJECTIVE_SYNONYM":  StatusSynonym,
	"PROPARTE_SYNONYM":    StatusSynonym,
	"PRO_PARTE_SYNONYM":   StatusSynonym,
	"AMBIGUOUS":           StatusAmbiguousSynonym,
	"MISAPPLIED_NAME":     StatusMisapplied,
}

// String returns the upper case status name.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

// IsSynonym reports whether the status denotes any kind of synonym.
func (s Status) IsSynonym() bool {
	return s == StatusSynonym || s == StatusAmbiguousSynonym || s == StatusMisapplied
}

// IsAccepted reports whether the status is accepted or provisionally accepted.
func (s Status) IsAccepted() bool {
	return s == StatusAccepted || s == StatusProvisionallyAccepted
}

// ParseStatus parses a status case-insensitively. Empty input returns StatusNone.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" {
		return StatusNone, nil
	}
	norm = strings.ReplaceAll(strings.ReplaceAll(norm, " ", "_"), "-", "_")
	for i, name := range statusNames {
		if name != "" && name == norm {
			return Status(i), nil
		}
	}
	if st, ok := statusAliases[norm]; ok {
		return st, nil
	}
	return StatusNone, fmt.Errorf("unparsable status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
