package sqlguard

import (
	"fmt"
	"sort"
	"strings"
)

// Schema is the allowlist of table names and column-name prefixes a query
// may reference. It is immutable after construction and safe to share.
type Schema struct {
	tables         map[string]struct{}
	tableNames     []string
	columnPrefixes []string
}

func NewSchema(tables, columnPrefixes []string) (*Schema, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("at least one allowed table is required")
	}

	schema := &Schema{tables: make(map[string]struct{}, len(tables))}
	for _, table := range tables {
		name := strings.ToLower(strings.TrimSpace(table))
		if name == "" {
			return nil, fmt.Errorf("allowed table name must not be empty")
		}
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("allowed table name %q contains unsafe characters", table)
		}
		if _, ok := schema.tables[name]; !ok {
			schema.tables[name] = struct{}{}
			schema.tableNames = append(schema.tableNames, name)
		}
	}
	sort.Strings(schema.tableNames)

	for _, prefix := range columnPrefixes {
		cleaned := strings.ToLower(strings.TrimSpace(prefix))
		if cleaned == "" {
			continue
		}
		if !identifierPattern.MatchString(cleaned) {
			return nil, fmt.Errorf("column prefix %q contains unsafe characters", prefix)
		}
		schema.columnPrefixes = append(schema.columnPrefixes, cleaned)
	}
	sort.Strings(schema.columnPrefixes)

	return schema, nil
}

// Tables returns the allowlisted table names in sorted order.
func (s *Schema) Tables() []string {
	out := make([]string, len(s.tableNames))
	copy(out, s.tableNames)
	return out
}

// ColumnPrefixes returns the allowlisted column-name prefixes in sorted
// order. An empty slice means any identifier-safe column name is accepted.
func (s *Schema) ColumnPrefixes() []string {
	out := make([]string, len(s.columnPrefixes))
	copy(out, s.columnPrefixes)
	return out
}

func (s *Schema) allowsTable(name string) bool {
	_, ok := s.tables[strings.ToLower(name)]
	return ok
}

func (s *Schema) allowsColumn(name string) bool {
	if len(s.columnPrefixes) == 0 {
		return true
	}
	lowered := strings.ToLower(name)
	for _, prefix := range s.columnPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}
