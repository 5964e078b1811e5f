package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// BuildExportPath places an exported result set under the requesting
// subject, partitioned by day so buckets stay browsable.
func BuildExportPath(subject, queryHash string, at time.Time) (string, error) {
	if err := validatePathComponent(subject, "subject"); err != nil {
		return "", err
	}
	if err := validatePathComponent(queryHash, "query hash"); err != nil {
		return "", err
	}

	ts := at.UTC()
	return path.Join(
		subject,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("export-%s-%d.parquet", queryHash, ts.UnixNano()),
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
