// Package serialization moves the SQLite metadata tables to and from a
// portable JSON document.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	envelopeKey = "lockbox_export"
	redacted    = "REDACTED"
)

// AllTables lists every exportable table in insert order.
var AllTables = []string{"objects", "records"}

// jsonFields are SQLite columns that hold JSON text and are expanded in the
// export.
var jsonFields = map[string]bool{"attributes": true}

var tableColumns = map[string][]string{
	"objects": {"id", "display_name", "content_type", "length", "chunk_size", "uploaded_at", "attributes", "owner_id"},
	"records": {
		"id", "owner_id", "title", "website", "username", "email", "secret", "notes",
		"file_object_id", "file_display_name", "file_content_type", "file_length", "file_uploaded_at",
		"created_at", "updated_at",
	},
}

var tableOrderBy = map[string]string{
	"objects": "uploaded_at, id",
	"records": "created_at, id",
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
	// IncludeSecrets keeps record secrets in clear text. Without it every
	// secret is replaced by a marker and such rows are skipped on import.
	IncludeSecrets bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ExportMetadata reads the tables named in opts from the database at dbPath
// and renders them as indented JSON with sorted keys.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"schema_version": schemaVersion(db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			continue
		}
		rows, err := exportTable(db, table, columns, opts.IncludeSecrets)
		if err != nil {
			return "", err
		}
		result[table] = rows
	}

	return marshalSorted(result)
}

func exportTable(db *sql.DB, table string, columns []string, includeSecrets bool) ([]any, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s",
		strings.Join(columns, ", "), table, tableOrderBy[table])
	rows, err := db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", table, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(col, values[i])
		}
		if table == "records" && !includeSecrets {
			if s, _ := row["secret"].(string); s != "" {
				row["secret"] = redacted
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// ImportMetadata loads a document produced by ExportMetadata into the
// database at dbPath inside one transaction. Without Replace, rows whose
// primary key already exists are left alone.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if opts.Replace {
		for i := len(AllTables) - 1; i >= 0; i-- {
			table := AllTables[i]
			if _, ok := data[table]; !ok {
				continue
			}
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return nil, fmt.Errorf("deleting %s: %w", table, err)
			}
		}
	}

	verb := "INSERT OR IGNORE"
	if opts.Replace {
		verb = "INSERT"
	}

	for _, table := range AllTables {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
			verb, table, strings.Join(columns, ", "), placeholders)

		inserted, skipped := 0, 0
		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}
			if table == "records" {
				if s, _ := rowMap["secret"].(string); s == redacted {
					skipped++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("Skipped record '%v': REDACTED secret", rowMap["id"]))
					continue
				}
			}

			collapsed := collapseRow(rowMap)
			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = collapsed[col]
			}

			res, err := tx.Exec(query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}

		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return result, nil
}

func schemaVersion(db *sql.DB) int {
	var version int
	if err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version); err != nil {
		return 1
	}
	return version
}

func convertValue(col string, val any) any {
	if b, ok := val.([]byte); ok {
		val = string(b)
	}
	if val == nil || !jsonFields[col] {
		return val
	}
	s, _ := val.(string)
	var obj any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return map[string]any{}
	}
	return obj
}

func collapseRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if !jsonFields[k] || v == nil {
			out[k] = v
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			out[k] = "{}"
			continue
		}
		out[k] = string(b)
	}
	return out
}

// marshalSorted produces JSON with sorted keys and a 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap marshals with its keys in lexical order.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		return append(buf, ']'), nil
	default:
		return json.Marshal(v)
	}
}
