package storage

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T, retentionDays int) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path, retentionDays)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesBucketsAndSchemaVersion(t *testing.T) {
	db := openTestDB(t, 30)
	if err := db.checkSchemaVersion(); err != nil {
		t.Fatalf("checkSchemaVersion: %v", err)
	}
}

func TestAppendAndReadLedger(t *testing.T) {
	db := openTestDB(t, 30)

	entries := []LedgerEntry{
		{Timestamp: time.Now(), SourceIP: "10.0.0.1", Type: "SSH_BRUTE_FORCE", Risk: "CRITICAL", Message: "m1", Count: 5},
		{Timestamp: time.Now().Add(time.Second), SourceIP: "10.0.0.2", Type: "WEB_ENUM", Risk: "MEDIUM", Message: "m2", Count: 1},
	}
	for _, e := range entries {
		if err := db.AppendLedger(e); err != nil {
			t.Fatalf("AppendLedger: %v", err)
		}
	}

	got, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].SourceIP != "10.0.0.1" || got[1].SourceIP != "10.0.0.2" {
		t.Errorf("entries not in chronological order: %+v", got)
	}

	n, err := db.CountLedgerEntries()
	if err != nil {
		t.Fatalf("CountLedgerEntries: %v", err)
	}
	if n != 2 {
		t.Errorf("CountLedgerEntries = %d, want 2", n)
	}
}

func TestPruneOldLedgerEntriesRemovesOnlyStaleEntries(t *testing.T) {
	db := openTestDB(t, 1)

	old := LedgerEntry{Timestamp: time.Now().AddDate(0, 0, -10), SourceIP: "10.0.0.9", Type: "PORT_SCAN", Risk: "HIGH", Message: "stale"}
	recent := LedgerEntry{Timestamp: time.Now(), SourceIP: "10.0.0.10", Type: "PORT_SCAN", Risk: "HIGH", Message: "fresh"}

	if err := db.AppendLedger(old); err != nil {
		t.Fatalf("AppendLedger(old): %v", err)
	}
	if err := db.AppendLedger(recent); err != nil {
		t.Fatalf("AppendLedger(recent): %v", err)
	}

	deleted, err := db.PruneOldLedgerEntries()
	if err != nil {
		t.Fatalf("PruneOldLedgerEntries: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	remaining, err := db.ReadLedger()
	if err != nil {
		t.Fatalf("ReadLedger: %v", err)
	}
	if len(remaining) != 1 || remaining[0].SourceIP != "10.0.0.10" {
		t.Errorf("remaining = %+v, want only 10.0.0.10", remaining)
	}
}

func TestOpenRejectsMismatchedSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Corrupt the stored schema version to simulate an incompatible
	// database, then confirm checkSchemaVersion refuses it.
	err = db.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketMeta)).Put([]byte("schema_version"), []byte("99"))
	})
	if err != nil {
		t.Fatalf("corrupt schema_version: %v", err)
	}

	if err := db.checkSchemaVersion(); err == nil {
		t.Fatal("expected checkSchemaVersion to reject mismatched version")
	}

	_ = db.Close()
}
