package serialization

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lockbox/lockbox/internal/metadata"
)

// createTestDB builds a database with the production schema and, when seed
// is set, one object plus two records: one bound to the object with a
// secret and one empty.
func createTestDB(t *testing.T, dir string, seed bool) string {
	t.Helper()
	dbPath := filepath.Join(dir, "metadata.db")
	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if !seed {
		return dbPath
	}
	stmts := []string{
		`INSERT INTO objects VALUES ('obj-1', 'passport.pdf', 'application/pdf', 142857, 261120,
			'2026-02-25T14:30:45.000Z', '{"owner":"alice","originalName":"passport.pdf"}', 'alice')`,
		`INSERT INTO records VALUES ('rec-1', 'alice', 'Bank', 'https://bank.example', 'alice', 'alice@example.com',
			'hunter2', 'joint account', 'obj-1', 'passport.pdf', 'application/pdf', 142857, '2026-02-25T14:30:45.000Z',
			'2026-02-25T14:00:00.000Z', '2026-02-25T14:31:00.000Z')`,
		`INSERT INTO records VALUES ('rec-2', 'bob', 'Empty', '', '', '', '', '', '', '', '', 0, '',
			'2026-02-25T15:00:00.000Z', '2026-02-25T15:00:00.000Z')`,
	}
	for _, s := range stmts {
		if _, err := store.DB().Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return dbPath
}

func decodeExport(t *testing.T, s string) map[string]any {
	t.Helper()
	var data map[string]any
	if err := json.Unmarshal([]byte(s), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return data
}

func rowsOf(data map[string]any, table string) []map[string]any {
	raw, _ := data[table].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.(map[string]any))
	}
	return out
}

func TestExportAllTables(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data := decodeExport(t, result)

	envelope := data["lockbox_export"].(map[string]any)
	if envelope["version"].(float64) != 1 {
		t.Error("expected version 1")
	}
	if envelope["source"].(string) != "go/0.1.0" {
		t.Error("expected source go/0.1.0")
	}
	if envelope["schema_version"].(float64) != 1 {
		t.Errorf("schema_version = %v, want 1", envelope["schema_version"])
	}
	if n := len(rowsOf(data, "objects")); n != 1 {
		t.Errorf("expected 1 object, got %d", n)
	}
	records := rowsOf(data, "records")
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0]["id"] != "rec-1" || records[1]["id"] != "rec-2" {
		t.Errorf("records not ordered by creation: %v, %v", records[0]["id"], records[1]["id"])
	}
}

func TestExportAttributesExpanded(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	obj := rowsOf(decodeExport(t, result), "objects")[0]
	attrs, ok := obj["attributes"].(map[string]any)
	if !ok {
		t.Fatalf("attributes = %T, want object", obj["attributes"])
	}
	if attrs["owner"] != "alice" {
		t.Errorf("attributes.owner = %v, want alice", attrs["owner"])
	}
	if obj["length"].(float64) != 142857 {
		t.Errorf("length = %v", obj["length"])
	}
}

func TestExportSecretsRedacted(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(result, "hunter2") {
		t.Error("export leaked a secret")
	}
	records := rowsOf(decodeExport(t, result), "records")
	if records[0]["secret"] != "REDACTED" {
		t.Errorf("secret = %v, want REDACTED", records[0]["secret"])
	}
	if records[1]["secret"] != "" {
		t.Errorf("empty secret = %v, want empty", records[1]["secret"])
	}
}

func TestExportSecretsIncluded(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, &ExportOptions{Tables: AllTables, IncludeSecrets: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	records := rowsOf(decodeExport(t, result), "records")
	if records[0]["secret"] != "hunter2" {
		t.Errorf("secret = %v, want hunter2", records[0]["secret"])
	}
}

func TestExportPartialTables(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, &ExportOptions{Tables: []string{"objects", "unknown"}})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data := decodeExport(t, result)
	if _, ok := data["objects"]; !ok {
		t.Error("expected objects")
	}
	if _, ok := data["records"]; ok {
		t.Error("should not have records")
	}
	if _, ok := data["unknown"]; ok {
		t.Error("unknown table exported")
	}
}

func TestExportSortedKeys(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	result, err := ExportMetadata(dbPath, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	envelope := strings.Index(result, `"lockbox_export"`)
	objects := strings.Index(result, `"objects"`)
	records := strings.Index(result, `"records"`)
	if envelope < 0 || !(envelope < objects && objects < records) {
		t.Errorf("top-level keys out of order: %d %d %d", envelope, objects, records)
	}
	if strings.Index(result, `"chunk_size"`) > strings.Index(result, `"content_type"`) {
		t.Error("row keys not sorted")
	}
}

func TestRoundTrip(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), false)

	opts := &ExportOptions{Tables: AllTables, IncludeSecrets: true}
	exported, err := ExportMetadata(db1, opts)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := ImportMetadata(db2, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["objects"] != 1 {
		t.Errorf("expected 1 object imported, got %d", result.Counts["objects"])
	}
	if result.Counts["records"] != 2 {
		t.Errorf("expected 2 records imported, got %d", result.Counts["records"])
	}

	reExported, err := ExportMetadata(db2, opts)
	if err != nil {
		t.Fatalf("re-export: %v", err)
	}
	data1 := decodeExport(t, exported)
	data2 := decodeExport(t, reExported)
	delete(data1, "lockbox_export")
	delete(data2, "lockbox_export")

	b1, _ := json.Marshal(data1)
	b2, _ := json.Marshal(data2)
	if string(b1) != string(b2) {
		t.Errorf("round-trip data mismatch:\n%s\n%s", b1, b2)
	}
}

func TestImportedStoreIsReadable(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), false)

	exported, err := ExportMetadata(db1, &ExportOptions{Tables: AllTables, IncludeSecrets: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := ImportMetadata(db2, exported, nil); err != nil {
		t.Fatalf("import: %v", err)
	}

	store, err := metadata.NewSQLiteStore(db2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	rec, err := store.GetRecord(t.Context(), "rec-1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.Secret != "hunter2" || rec.File == nil || rec.File.ObjectID != "obj-1" {
		t.Errorf("imported record = %+v", rec)
	}
	n, err := store.CountFileReferences(t.Context(), "obj-1")
	if err != nil || n != 1 {
		t.Errorf("CountFileReferences = %d, %v", n, err)
	}
}

func TestImportMergeIdempotent(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), true)

	exported, err := ExportMetadata(dbPath, &ExportOptions{Tables: AllTables, IncludeSecrets: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	result, err := ImportMetadata(dbPath, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["objects"] != 0 || result.Counts["records"] != 0 {
		t.Errorf("expected nothing inserted, got %v", result.Counts)
	}
	if result.Skipped["records"] != 2 {
		t.Errorf("expected 2 skipped records, got %d", result.Skipped["records"])
	}
}

func TestImportReplace(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), true)

	exported, err := ExportMetadata(db1, &ExportOptions{Tables: AllTables, IncludeSecrets: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	result, err := ImportMetadata(db2, exported, &ImportOptions{Replace: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Counts["records"] != 2 {
		t.Errorf("expected 2 records, got %d", result.Counts["records"])
	}
}

func TestImportSkipsRedactedSecrets(t *testing.T) {
	db1 := createTestDB(t, t.TempDir(), true)
	db2 := createTestDB(t, t.TempDir(), false)

	exported, err := ExportMetadata(db1, nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	result, err := ImportMetadata(db2, exported, nil)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if result.Skipped["records"] != 1 {
		t.Errorf("expected 1 skipped record, got %d", result.Skipped["records"])
	}
	if result.Counts["records"] != 1 {
		t.Errorf("expected the secretless record imported, got %d", result.Counts["records"])
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "rec-1") {
		t.Errorf("warnings = %v", result.Warnings)
	}
}

func TestImportInvalidVersion(t *testing.T) {
	dbPath := createTestDB(t, t.TempDir(), false)

	if _, err := ImportMetadata(dbPath, `{"lockbox_export":{"version":99}}`, nil); err == nil {
		t.Error("expected error for invalid version")
	}
	if _, err := ImportMetadata(dbPath, `{"objects":[]}`, nil); err == nil {
		t.Error("expected error for missing envelope")
	}
	if _, err := ImportMetadata(dbPath, `not json`, nil); err == nil {
		t.Error("expected error for malformed document")
	}
}
