package sqlguard

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	schema, err := NewSchema([]string{"sales", "customers", "allowed_table"}, []string{"amount_", "customer_"})
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	validator, err := NewValidator(schema)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return validator
}

func TestValidateSafetyAcceptsAnalyticalShapes(t *testing.T) {
	validator := newTestValidator(t)
	allowed := []string{
		"SELECT 1",
		"select count(*) from sales",
		"SELECT 1 -- DROP TABLE x",
		"SELECT /* DELETE */ 1",
		"WITH x AS (SELECT 1) SELECT * FROM x",
		"SELECT a FROM sales UNION ALL SELECT b FROM customers",
		"SELECT created_at, updated_at FROM sales",
		"SELECT * FROM sales s JOIN customers c ON s.id = c.id;",
		"SELECT 'drop by the office' AS note",
		"SELECT * FROM sales WHERE note = 'a;b'",
	}
	for _, sqlText := range allowed {
		if err := validator.ValidateSafety(sqlText); err != nil {
			t.Errorf("ValidateSafety(%q) = %v, want nil", sqlText, err)
		}
	}
}

func TestValidateSafetyRejectsDangerousKeywords(t *testing.T) {
	validator := newTestValidator(t)
	for _, keyword := range []string{"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT", "UPDATE", "GRANT", "REVOKE", "EXECUTE", "ATTACH"} {
		sqlText := "SELECT 1 WHERE " + keyword + " x"
		err := validator.ValidateSafety(sqlText)
		if err == nil {
			t.Errorf("ValidateSafety(%q) = nil, want rejection", sqlText)
			continue
		}
		var rejection *ValidationError
		if !errors.As(err, &rejection) {
			t.Errorf("ValidateSafety(%q) error type = %T", sqlText, err)
		}
	}
}

func TestValidateSafetyBlocksStackedStatements(t *testing.T) {
	validator := newTestValidator(t)
	if err := validator.ValidateSafety("SELECT 1; DELETE FROM t"); err == nil {
		t.Fatal("stacked statement should be rejected")
	}
	if err := validator.ValidateSafety("SELECT 1; SELECT 2"); err == nil {
		t.Fatal("stacked SELECT should be rejected")
	}
	if err := validator.ValidateSafety("SELECT 1;"); err != nil {
		t.Fatalf("single trailing semicolon should pass, got %v", err)
	}
}

func TestValidateSafetyReadOnlyGate(t *testing.T) {
	validator := newTestValidator(t)
	for _, sqlText := range []string{"SHOW TABLES", "EXPLAIN SELECT 1", "PRAGMA database_list", "DESCRIBE sales"} {
		if err := validator.ValidateSafety(sqlText); err == nil {
			t.Errorf("ValidateSafety(%q) = nil, want rejection", sqlText)
		}
	}
}

func TestValidateSafetyRejectsCommentSmuggling(t *testing.T) {
	validator := newTestValidator(t)
	// The comment hides the semicolon terminator, not the keyword.
	if err := validator.ValidateSafety("SELECT 1 /* */; DROP TABLE sales"); err == nil {
		t.Fatal("keyword after comment should be rejected")
	}
	// Unterminated block comment swallows the rest of the statement.
	if err := validator.ValidateSafety("/* SELECT 1"); err == nil {
		t.Fatal("unterminated comment should be rejected")
	}
}

func TestValidateSafetyRejectsInjectionIdioms(t *testing.T) {
	validator := newTestValidator(t)
	rejected := []string{
		"SELECT 0x44524f50",
		"SELECT CHAR(68, 82, 79, 80)",
		"SELECT chr(68)",
		"SELECT * FROM sales INTO OUTFILE '/tmp/x'",
		"SELECT * FROM sales INTO DUMPFILE '/tmp/x'",
		"COPY sales TO '/tmp/x.csv'",
	}
	for _, sqlText := range rejected {
		if err := validator.ValidateSafety(sqlText); err == nil {
			t.Errorf("ValidateSafety(%q) = nil, want rejection", sqlText)
		}
	}
}

func TestValidateSafetyReasonsAreSpecific(t *testing.T) {
	validator := newTestValidator(t)
	err := validator.ValidateSafety("SELECT 1 WHERE DROP x")
	var rejection *ValidationError
	if !errors.As(err, &rejection) {
		t.Fatalf("error type = %T", err)
	}
	if !strings.Contains(rejection.Reason, "DROP") {
		t.Fatalf("Reason = %q, want mention of DROP", rejection.Reason)
	}
}

func TestValidateTableName(t *testing.T) {
	validator := newTestValidator(t)

	name, err := validator.ValidateTableName("Sales")
	if err != nil {
		t.Fatalf("ValidateTableName(Sales) error = %v", err)
	}
	if name != "Sales" {
		t.Fatalf("name = %q", name)
	}
	if _, err := validator.ValidateTableName(""); err == nil {
		t.Fatal("empty table name should be rejected")
	}
	if _, err := validator.ValidateTableName("secrets"); err == nil {
		t.Fatal("unknown table should be rejected")
	}
}

func TestValidateColumnName(t *testing.T) {
	validator := newTestValidator(t)

	if _, err := validator.ValidateColumnName("amount_total"); err != nil {
		t.Fatalf("ValidateColumnName(amount_total) error = %v", err)
	}
	if _, err := validator.ValidateColumnName("password"); err == nil {
		t.Fatal("column outside prefix allowlist should be rejected")
	}
	if _, err := validator.ValidateColumnName("amount_total; --"); err == nil {
		t.Fatal("unsafe characters should be rejected")
	}
}

func TestExtractTableNames(t *testing.T) {
	got := ExtractTableNames("SELECT * FROM Sales s JOIN customers c ON s.id = c.id LEFT JOIN sales x ON x.id = s.id")
	want := []string{"sales", "customers"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractTableNames() = %v, want %v", got, want)
	}

	if names := ExtractTableNames("SELECT 'FROM fake' AS c"); len(names) != 0 {
		t.Fatalf("names from string literal = %v", names)
	}
}

func TestValidateTables(t *testing.T) {
	validator := newTestValidator(t)
	if err := validator.ValidateTables("SELECT * FROM sales JOIN customers USING (id)"); err != nil {
		t.Fatalf("ValidateTables() error = %v", err)
	}
	if err := validator.ValidateTables("SELECT * FROM secrets"); err == nil {
		t.Fatal("out-of-schema table should be rejected")
	}
}

func TestNewSchemaValidation(t *testing.T) {
	if _, err := NewSchema(nil, nil); err == nil {
		t.Fatal("empty table list should fail")
	}
	if _, err := NewSchema([]string{"good", "bad name"}, nil); err == nil {
		t.Fatal("unsafe table name should fail")
	}
	schema, err := NewSchema([]string{"B", "a", "a"}, nil)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	if got := schema.Tables(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Tables() = %v", got)
	}
	if !schema.allowsColumn("anything") {
		t.Fatal("empty prefix list should allow any column")
	}
}
