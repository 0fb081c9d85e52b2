package bridge

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity of a gateway status code.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInformational
)

func (s Severity) String() string {
	switch s {
	case SeverityInformational:
		return "informational"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// CodeTable lists the status codes that are not plain errors. Fatal codes are
// session-level faults that take the session down.
type CodeTable struct {
	Informational []int `yaml:"informational"`
	Warning       []int `yaml:"warning"`
	Fatal         []int `yaml:"fatal"`
}

// DefaultCodeTable holds the farm-connection notices, delayed-data notices and
// connectivity faults observed on the paper and live gateways.
func DefaultCodeTable() CodeTable {
	return CodeTable{
		Informational: []int{2104, 2106, 2107, 2108, 2119, 2158},
		Warning:       []int{10268, 2102, 2103, 2110, 399, 10167, 501},
		Fatal:         []int{326, 502, 504, 507, 1100},
	}
}

// LoadCodeTable reads a YAML code table. Sections missing from the file keep
// their defaults.
func LoadCodeTable(path string) (CodeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CodeTable{}, fmt.Errorf("read status code table: %w", err)
	}
	var raw CodeTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return CodeTable{}, fmt.Errorf("parse status code table %s: %w", path, err)
	}
	t := DefaultCodeTable()
	if raw.Informational != nil {
		t.Informational = raw.Informational
	}
	if raw.Warning != nil {
		t.Warning = raw.Warning
	}
	if raw.Fatal != nil {
		t.Fatal = raw.Fatal
	}
	return t, nil
}

// Classifier maps gateway status codes to severities. It is immutable after
// construction.
type Classifier struct {
	info  map[int]struct{}
	warn  map[int]struct{}
	fatal map[int]struct{}
}

func NewClassifier(t CodeTable) *Classifier {
	return &Classifier{
		info:  toSet(t.Informational),
		warn:  toSet(t.Warning),
		fatal: toSet(t.Fatal),
	}
}

func toSet(codes []int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// Classify returns the severity of code; anything not listed is an error.
func (c *Classifier) Classify(code int) Severity {
	if _, ok := c.info[code]; ok {
		return SeverityInformational
	}
	if _, ok := c.warn[code]; ok {
		return SeverityWarning
	}
	return SeverityError
}

// IsFatal reports whether code is a session-level fault.
func (c *Classifier) IsFatal(code int) bool {
	_, ok := c.fatal[code]
	return ok
}

// Terminal reports whether code should abort a pending wait.
func (c *Classifier) Terminal(code int) bool {
	return c.Classify(code) == SeverityError
}
