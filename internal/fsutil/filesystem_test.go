package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOSFileSystem_ReadDirSorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c.png", "a.png", "b.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := OSFileSystem{}.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	want := []string{"a.png", "b.png", "c.png"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOSFileSystem_ExistsAndRemove(t *testing.T) {
	fs := OSFileSystem{}
	path := filepath.Join(t.TempDir(), "frame.png")
	if fs.Exists(path) {
		t.Fatal("expected file to not exist yet")
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !fs.Exists(path) {
		t.Fatal("expected file to exist")
	}
	if err := fs.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if fs.Exists(path) {
		t.Error("expected file to be removed")
	}
}

func TestMemoryFileSystem_WriteAndRead(t *testing.T) {
	mfs := NewMemoryFileSystem()

	testData := []byte("hello, world")
	if err := mfs.WriteFile("/data/rgb/test.txt", testData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	data, err := mfs.ReadFile("/data/rgb/test.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != string(testData) {
		t.Errorf("expected %q, got %q", testData, data)
	}
	if !mfs.Exists("/data/rgb") {
		t.Error("expected parent directory to be created implicitly")
	}
}

func TestMemoryFileSystem_CreateVisibleOnClose(t *testing.T) {
	mfs := NewMemoryFileSystem()

	w, err := mfs.Create("/map/out.osa")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := w.Write([]byte("state")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if data, _ := mfs.ReadFile("/map/out.osa"); len(data) != 0 {
		t.Errorf("expected empty file before Close, got %q", data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := mfs.ReadFile("/map/out.osa")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "state" {
		t.Errorf("got %q, want %q", data, "state")
	}
}

func TestMemoryFileSystem_ReadDir(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/d/b.png", nil, 0644)
	_ = mfs.WriteFile("/d/a.png", nil, 0644)
	_ = mfs.WriteFile("/d/sub/c.png", nil, 0644)
	_ = mfs.WriteFile("/other/x.png", nil, 0644)

	entries, err := mfs.ReadDir("/d")
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Name() != "a.png" || entries[1].Name() != "b.png" || entries[2].Name() != "sub" {
		t.Errorf("unexpected order: %s %s %s", entries[0].Name(), entries[1].Name(), entries[2].Name())
	}
	if !entries[2].IsDir() {
		t.Error("expected sub to be a directory")
	}

	if _, err := mfs.ReadDir("/missing"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestMemoryFileSystem_ModTime(t *testing.T) {
	mfs := NewMemoryFileSystem()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := mfs.WriteFileAt("/config/a.yaml", []byte("k: v"), 0644, ts); err != nil {
		t.Fatal(err)
	}
	info, err := mfs.Stat("/config/a.yaml")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.ModTime().Equal(ts) {
		t.Errorf("ModTime = %v, want %v", info.ModTime(), ts)
	}
	if info.Size() != 4 {
		t.Errorf("Size = %d, want 4", info.Size())
	}
}

func TestMemoryFileSystem_OpenAndRemove(t *testing.T) {
	mfs := NewMemoryFileSystem()
	_ = mfs.WriteFile("/f.bin", []byte("abc"), 0644)

	f, err := mfs.Open("/f.bin")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	f.Close()
	if string(data) != "abc" {
		t.Errorf("got %q", data)
	}

	if err := mfs.Remove("/f.bin"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := mfs.Remove("/f.bin"); err == nil {
		t.Error("expected error removing missing file")
	}
	if _, err := mfs.Open("/f.bin"); err == nil {
		t.Error("expected error opening removed file")
	}
}
