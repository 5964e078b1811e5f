// Package sqlguard admits or rejects candidate SQL before it reaches the
// engine. It is defense in depth, not a SQL parser: the checks are
// calibrated against known injection classes (stacked statements, comment
// smuggling, keyword obfuscation) while staying permissive of arbitrary
// SELECT shapes.
package sqlguard

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError reports why a query or identifier was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "query rejected: " + e.Reason
}

func rejectf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

	// Mutating and DDL keywords, matched on word boundaries after comment
	// stripping so identifiers like created_at pass.
	denylistPattern = regexp.MustCompile(`(?i)\b(DROP|DELETE|TRUNCATE|ALTER|CREATE|INSERT|UPDATE|GRANT|REVOKE|EXECUTE|ATTACH)\b`)

	copyToPattern      = regexp.MustCompile(`(?is)\bCOPY\b.*\bTO\b`)
	hexLiteralPattern  = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`)
	charBuildPattern   = regexp.MustCompile(`(?i)\b(CHAR|CHR)\s*\(`)
	intoOutfilePattern = regexp.MustCompile(`(?i)\bINTO\s+(OUTFILE|DUMPFILE)\b`)
	readOnlyPattern    = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
)

// Validator checks SQL strings and identifiers against a fixed Schema.
// Stateless aside from the immutable schema; safe for concurrent use.
type Validator struct {
	schema *Schema
}

func NewValidator(schema *Schema) (*Validator, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	return &Validator{schema: schema}, nil
}

func (v *Validator) Schema() *Schema {
	return v.schema
}

// ValidateSafety decides admission for a raw SQL string. A nil return
// means the statement passed every check; otherwise the returned
// *ValidationError carries the specific reason.
func (v *Validator) ValidateSafety(sqlText string) error {
	stripped := strings.TrimSpace(StripComments(sqlText))
	if stripped == "" {
		return rejectf("empty statement")
	}

	// A single trailing semicolon is tolerated; any other semicolon means
	// stacked statements.
	body := strings.TrimSpace(strings.TrimSuffix(stripped, ";"))
	if body == "" {
		return rejectf("empty statement")
	}
	if strings.Contains(maskStringLiterals(body), ";") {
		return rejectf("multiple statements are not allowed")
	}

	masked := maskStringLiterals(body)
	if match := denylistPattern.FindString(masked); match != "" {
		return rejectf("dangerous keyword %s", strings.ToUpper(match))
	}
	if copyToPattern.MatchString(masked) {
		return rejectf("dangerous keyword COPY TO")
	}
	if !readOnlyPattern.MatchString(body) {
		return rejectf("only SELECT or WITH statements are allowed")
	}
	if hexLiteralPattern.MatchString(masked) {
		return rejectf("hexadecimal literal")
	}
	if charBuildPattern.MatchString(masked) {
		return rejectf("string-building function")
	}
	if intoOutfilePattern.MatchString(masked) {
		return rejectf("INTO OUTFILE is not allowed")
	}
	return nil
}

// ValidateTableName checks case-insensitive membership in the allowlist
// and returns the name unchanged on success.
func (v *Validator) ValidateTableName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", rejectf("table name must not be empty")
	}
	if !v.schema.allowsTable(trimmed) {
		return "", rejectf("table %q is not in the allowed schema", trimmed)
	}
	return trimmed, nil
}

// ValidateColumnName checks the identifier is syntactically safe and
// matches an allowlisted prefix.
func (v *Validator) ValidateColumnName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", rejectf("column name must not be empty")
	}
	if !identifierPattern.MatchString(trimmed) {
		return "", rejectf("column %q contains unsafe characters", trimmed)
	}
	if !v.schema.allowsColumn(trimmed) {
		return "", rejectf("column %q does not match an allowed prefix", trimmed)
	}
	return trimmed, nil
}

// ValidateTables extracts referenced table names and rejects the first one
// outside the allowlist. Advisory: subquery aliases and table functions can
// escape extraction, so this supplements ValidateSafety rather than
// replacing it.
func (v *Validator) ValidateTables(sqlText string) error {
	for _, table := range ExtractTableNames(sqlText) {
		if _, err := v.ValidateTableName(table); err != nil {
			return err
		}
	}
	return nil
}

var fromJoinPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

// ExtractTableNames scans for identifiers following FROM or JOIN. The scan
// is best effort; it ignores derived tables and quoted identifiers.
func ExtractTableNames(sqlText string) []string {
	stripped := maskStringLiterals(StripComments(sqlText))
	matches := fromJoinPattern.FindAllStringSubmatch(stripped, -1)

	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// StripComments removes line comments (-- to end of line) and block
// comments (/* ... */), preserving comment markers that appear inside
// string literals. An unterminated block comment truncates the rest of the
// statement, which the empty-statement check then rejects.
func StripComments(sqlText string) string {
	var out strings.Builder
	out.Grow(len(sqlText))

	inString := false
	i := 0
	for i < len(sqlText) {
		ch := sqlText[i]
		if inString {
			out.WriteByte(ch)
			if ch == '\'' {
				// Doubled quotes escape inside literals.
				if i+1 < len(sqlText) && sqlText[i+1] == '\'' {
					out.WriteByte('\'')
					i += 2
					continue
				}
				inString = false
			}
			i++
			continue
		}
		switch {
		case ch == '\'':
			inString = true
			out.WriteByte(ch)
			i++
		case ch == '-' && i+1 < len(sqlText) && sqlText[i+1] == '-':
			for i < len(sqlText) && sqlText[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(sqlText) && sqlText[i+1] == '*':
			i += 2
			for i+1 < len(sqlText) && !(sqlText[i] == '*' && sqlText[i+1] == '/') {
				i++
			}
			if i+1 < len(sqlText) {
				i += 2
			} else {
				i = len(sqlText)
			}
			// A comment still separates tokens.
			out.WriteByte(' ')
		default:
			out.WriteByte(ch)
			i++
		}
	}
	return out.String()
}

// maskStringLiterals blanks the contents of single-quoted literals so that
// keyword checks do not fire on user data such as 'drop by the office'.
func maskStringLiterals(sqlText string) string {
	var out strings.Builder
	out.Grow(len(sqlText))

	inString := false
	for i := 0; i < len(sqlText); i++ {
		ch := sqlText[i]
		if inString {
			if ch == '\'' {
				if i+1 < len(sqlText) && sqlText[i+1] == '\'' {
					i++
					continue
				}
				inString = false
				out.WriteByte('\'')
			}
			continue
		}
		if ch == '\'' {
			inString = true
		}
		out.WriteByte(ch)
	}
	return out.String()
}
