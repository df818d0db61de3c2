package auditlog

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func createTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// one connection, otherwise every connection gets its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore_WriteBatch_NullDataPreservation(t *testing.T) {
	db := createTestDB(t)

	store, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	entries := []*LogEntry{
		{ID: "entry-nil-data", Timestamp: time.Now(), Route: RoutePredict},
		{ID: "entry-with-data", Timestamp: time.Now(), Route: RoutePredict, Data: &LogData{UserAgent: "test-agent"}},
	}
	if err := store.WriteBatch(context.Background(), entries); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	rows, err := db.Query("SELECT id, data IS NULL FROM audit_logs ORDER BY id")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()

	isNull := make(map[string]bool)
	for rows.Next() {
		var id string
		var null bool
		if err := rows.Scan(&id, &null); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		isNull[id] = null
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	if !isNull["entry-nil-data"] {
		t.Error("entry with nil Data should be stored as NULL")
	}
	if isNull["entry-with-data"] {
		t.Error("entry with Data should not be stored as NULL")
	}
}

func TestSQLiteStore_WriteBatch_Columns(t *testing.T) {
	db := createTestDB(t)

	store, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	entry := &LogEntry{
		ID:             "rejected-1",
		Timestamp:      time.Now(),
		DurationNs:     1500,
		Route:          RoutePredict,
		StatusCode:     422,
		RequestID:      "req-1",
		Method:         "POST",
		Path:           "/api/predict",
		FileName:       "fleet.csv",
		FileSize:       42,
		FileHash:       Fingerprint([]byte("a,b\n1,2\n")),
		UpstreamStatus: 422,
		ErrorType:      "upstream_rejected",
		UserName:       "ada",
		Data:           &LogData{ErrorMessage: "bad csv"},
	}
	if err := store.WriteBatch(context.Background(), []*LogEntry{entry}); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	var (
		route, fileName, fileHash, errorType, userName string
		fileSize                                       int64
		status, upstreamStatus                         int
		data                                           string
	)
	err = db.QueryRow(`SELECT route, file_name, file_size, file_hash, status_code, upstream_status,
		error_type, user_name, data FROM audit_logs WHERE id = ?`, entry.ID).
		Scan(&route, &fileName, &fileSize, &fileHash, &status, &upstreamStatus, &errorType, &userName, &data)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}

	if route != RoutePredict || fileName != "fleet.csv" || fileSize != 42 {
		t.Errorf("unexpected file columns: route=%q name=%q size=%d", route, fileName, fileSize)
	}
	if fileHash != entry.FileHash {
		t.Errorf("file_hash = %q, want %q", fileHash, entry.FileHash)
	}
	if status != 422 || upstreamStatus != 422 || errorType != "upstream_rejected" {
		t.Errorf("unexpected outcome columns: status=%d upstream=%d type=%q", status, upstreamStatus, errorType)
	}
	if userName != "ada" {
		t.Errorf("user_name = %q, want ada", userName)
	}
	if data != `{"error_message":"bad csv"}` {
		t.Errorf("data = %s", data)
	}
}

func TestSQLiteStore_WriteBatch_ChunksLargeBatches(t *testing.T) {
	db := createTestDB(t)

	store, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	const total = maxEntriesPerBatch*2 + 5
	entries := make([]*LogEntry, total)
	for i := range entries {
		entries[i] = &LogEntry{ID: fmt.Sprintf("entry-%03d", i), Timestamp: time.Now()}
	}
	if err := store.WriteBatch(context.Background(), entries); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	// duplicates are ignored
	if err := store.WriteBatch(context.Background(), entries[:3]); err != nil {
		t.Fatalf("WriteBatch with duplicates failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM audit_logs").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != total {
		t.Errorf("count = %d, want %d", count, total)
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	db := createTestDB(t)

	store, err := NewSQLiteStore(db, 0)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()
	store.retentionDays = 7

	entries := []*LogEntry{
		{ID: "old", Timestamp: time.Now().AddDate(0, 0, -30)},
		{ID: "new", Timestamp: time.Now()},
	}
	if err := store.WriteBatch(context.Background(), entries); err != nil {
		t.Fatalf("WriteBatch failed: %v", err)
	}

	store.cleanup()

	var ids []string
	rows, err := db.Query("SELECT id FROM audit_logs")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		ids = append(ids, id)
	}
	if len(ids) != 1 || ids[0] != "new" {
		t.Errorf("remaining ids = %v, want [new]", ids)
	}
}

func TestSQLiteStore_CloseIdempotent(t *testing.T) {
	store, err := NewSQLiteStore(createTestDB(t), 30)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewSQLiteStore_NilDB(t *testing.T) {
	if _, err := NewSQLiteStore(nil, 0); err == nil {
		t.Fatal("expected error for nil db")
	}
}
