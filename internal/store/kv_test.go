package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGet(t *testing.T) {
	db := testDB(t)

	if err := db.Set("pref.theme", "dark", false); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	e, err := db.Get("pref.theme")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Value != "dark" || e.Sealed {
		t.Errorf("entry = %+v, want value dark, sealed false", e)
	}
	if e.UpdatedAt == 0 {
		t.Error("updated_at not set")
	}
}

func TestSetOverwrites(t *testing.T) {
	db := testDB(t)

	if err := db.Set("pref.theme", "dark", false); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("pref.theme", "light", false); err != nil {
		t.Fatal(err)
	}

	e, err := db.Get("pref.theme")
	if err != nil {
		t.Fatal(err)
	}
	if e.Value != "light" {
		t.Errorf("value = %q, want light", e.Value)
	}
}

func TestGetMissing(t *testing.T) {
	db := testDB(t)

	_, err := db.Get("absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.Set("pref.theme", "dark", false); err != nil {
		t.Fatal(err)
	}
	if err := db.Delete("pref.theme"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := db.Get("pref.theme"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}

	// Deleting again must not error.
	if err := db.Delete("pref.theme"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	r1, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !r1.Changed {
		t.Error("first Migrate() should apply changes")
	}

	r2, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if r2.Changed {
		t.Error("second Migrate() should be a no-op")
	}
}
