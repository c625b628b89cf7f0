package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSaveLoadDelete(t *testing.T) {
	s := openTestStore(t)

	if err := s.Save("/home/u/f", []byte("payload"), 0o644); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dest := make([]byte, 32)
	n, err := s.Load("/home/u/f", dest)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if string(dest[:n]) != "payload" {
		t.Fatalf("unexpected payload: %q", dest[:n])
	}

	exists, err := s.Exists("/home/u/f")
	if err != nil || !exists {
		t.Fatalf("expected file to exist: exists=%v err=%v", exists, err)
	}

	if err := s.Delete("/home/u/f"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.Load("/home/u/f", dest); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.Save("/home/u/f", []byte("bytes B"), 0o644); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	dest := make([]byte, 32)
	n, err := second.Load("/home/u/f", dest)
	if err != nil {
		t.Fatalf("load after reopen failed: %v", err)
	}
	if string(dest[:n]) != "bytes B" {
		t.Fatalf("expected exact bytes preserved across reopen, got %q", dest[:n])
	}
}

func TestStoreListByPrefix(t *testing.T) {
	s := openTestStore(t)

	paths := []string{"/home/u/a", "/home/u/b", "/home/v/c"}
	for _, p := range paths {
		if err := s.Save(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("save %s failed: %v", p, err)
		}
	}

	got, err := s.ListByPrefix("/home/u/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 || got[0] != "/home/u/a" || got[1] != "/home/u/b" {
		t.Fatalf("unexpected list result: %v", got)
	}

	dest := make([]byte, 64)
	n, err := s.List("/home/u/", dest)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if string(dest[:n]) != "/home/u/a\n/home/u/b" {
		t.Fatalf("unexpected newline-joined list: %q", dest[:n])
	}
}

func TestStoreListTruncatesToBuffer(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save("/x/aaaaaaaaaa", []byte("z"), 0o644); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dest := make([]byte, 4)
	n, err := s.List("/x/", dest)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected list output truncated to buffer length 4, got %d", n)
	}
}

func TestStoreTotalSizeAndClear(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save("/a", []byte("1234"), 0o644); err != nil {
		t.Fatalf("save a failed: %v", err)
	}
	if err := s.Save("/b", []byte("123"), 0o644); err != nil {
		t.Fatalf("save b failed: %v", err)
	}

	total, err := s.TotalSize()
	if err != nil {
		t.Fatalf("total size failed: %v", err)
	}
	if total != 7 {
		t.Fatalf("expected total size 7, got %d", total)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	total, err = s.TotalSize()
	if err != nil {
		t.Fatalf("total size after clear failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected total size 0 after clear, got %d", total)
	}
}

func TestStoreExportImport(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save("/a", []byte("hello"), 0o600); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	dump, err := s.Export()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(dump) != 1 || string(dump["/a"].Bytes) != "hello" {
		t.Fatalf("unexpected export contents: %+v", dump)
	}

	fresh := openTestStore(t)
	if err := fresh.Import(dump); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	dest := make([]byte, 16)
	n, err := fresh.Load("/a", dest)
	if err != nil {
		t.Fatalf("load after import failed: %v", err)
	}
	if string(dest[:n]) != "hello" {
		t.Fatalf("unexpected imported content: %q", dest[:n])
	}
}

func TestStoreMetaSetGet(t *testing.T) {
	s := openTestStore(t)

	if err := s.MetaSet("boot-epoch", []byte("7")); err != nil {
		t.Fatalf("meta set failed: %v", err)
	}
	got, err := s.MetaGet("boot-epoch")
	if err != nil {
		t.Fatalf("meta get failed: %v", err)
	}
	if string(got) != "7" {
		t.Fatalf("unexpected meta value: %q", got)
	}

	if _, err := s.MetaGet("missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
