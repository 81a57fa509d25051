package storage

import (
	"bytes"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	if _, ok, err := db.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("missing key must report absent without error, ok=%v err=%v", ok, err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := db.Get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(value, []byte("v")) {
		t.Fatalf("get after put: value=%q ok=%v err=%v", value, ok, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := db.Get([]byte("k")); ok {
		t.Fatalf("deleted key must be absent")
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	defer db.Close()

	value := []byte("original")
	if err := db.Put([]byte("k"), value); err != nil {
		t.Fatalf("put: %v", err)
	}
	value[0] = 'X'
	stored, _, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(stored, []byte("original")) {
		t.Fatalf("stored value must not alias the caller's slice, got %q", stored)
	}
}

func TestLevelDBRoundTrip(t *testing.T) {
	db, err := NewLevelDB(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if _, ok, err := db.Get([]byte("missing")); err != nil || ok {
		t.Fatalf("missing key must report absent without error, ok=%v err=%v", ok, err)
	}
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := db.Get([]byte("k"))
	if err != nil || !ok || !bytes.Equal(value, []byte("v")) {
		t.Fatalf("get after put: value=%q ok=%v err=%v", value, ok, err)
	}
	if err := db.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := db.Get([]byte("k")); ok {
		t.Fatalf("deleted key must be absent")
	}
}
