package tarfs

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/corvid-systems/corvid/kernel/vfs"
)

// buildImage assembles an in-memory TAR image for the tests.
func buildImage(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	add := func(hdr *tar.Header, data []byte) {
		hdr.Format = tar.FormatUSTAR
		hdr.ModTime = time.Unix(0, 0)
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if data != nil {
			if _, err := tw.Write(data); err != nil {
				t.Fatal(err)
			}
		}
	}

	add(&tar.Header{Name: "etc/", Typeflag: tar.TypeDir, Mode: 0750, Uid: 0, Gid: 5}, nil)
	add(&tar.Header{Name: "etc/motd", Typeflag: tar.TypeReg, Mode: 0644, Uid: 1000, Gid: 1000, Size: 12}, []byte("hello kernel"))
	add(&tar.Header{Name: "sbin/init", Typeflag: tar.TypeReg, Mode: 0755, Size: 4}, []byte{0x7f, 'E', 'L', 'F'})

	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMountAndLookup(t *testing.T) {
	root, err := Mount(buildImage(t))
	if err != nil {
		t.Fatal(err)
	}

	defer vfs.SetRoot(nil)
	vfs.SetRoot(root)

	etc, lerr := vfs.Lookup("/etc")
	if lerr != nil {
		t.Fatal(lerr)
	}
	if !etc.Dir || etc.Mode != 0750 || etc.GID != 5 {
		t.Fatalf("unexpected directory metadata: %+v", etc)
	}

	motd, lerr := vfs.Lookup("/etc/motd")
	if lerr != nil {
		t.Fatal(lerr)
	}
	if motd.Dir || motd.Size != 12 || motd.UID != 1000 {
		t.Fatalf("unexpected file metadata: %+v", motd)
	}

	// Repeated separators and dot components collapse.
	if _, lerr = vfs.Lookup("//etc/./motd"); lerr != nil {
		t.Fatalf("expected the messy path to resolve; got %v", lerr)
	}

	if _, lerr = vfs.Lookup("/etc/missing"); lerr != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", lerr)
	}
	if _, lerr = vfs.Lookup("/etc/motd/deeper"); lerr != vfs.ErrNotDirectory {
		t.Fatalf("expected ErrNotDirectory; got %v", lerr)
	}
}

func TestFileReadSeek(t *testing.T) {
	root, err := Mount(buildImage(t))
	if err != nil {
		t.Fatal(err)
	}

	defer vfs.SetRoot(nil)
	vfs.SetRoot(root)

	f, err := vfs.Open("/etc/motd")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("unexpected read result: n=%d err=%v buf=%q", n, err, buf)
	}

	if pos, err := f.Seek(6, vfs.SeekSet); err != nil || pos != 6 {
		t.Fatalf("unexpected seek result: pos=%d err=%v", pos, err)
	}

	rest := make([]byte, 16)
	n, err = f.Read(rest)
	if err != nil || string(rest[:n]) != "kernel" {
		t.Fatalf("unexpected read after seek: %q err=%v", rest[:n], err)
	}

	// Reads at EOF return zero bytes.
	if n, err = f.Read(rest); n != 0 || err != nil {
		t.Fatalf("expected a zero-byte read at EOF; n=%d err=%v", n, err)
	}

	if _, err = f.Seek(-1, vfs.SeekSet); err != vfs.ErrInvalidSeek {
		t.Fatalf("expected ErrInvalidSeek; got %v", err)
	}

	if got := f.Size(); got != 12 {
		t.Fatalf("expected size 12; got %d", got)
	}
}

func TestReadOnly(t *testing.T) {
	root, err := Mount(buildImage(t))
	if err != nil {
		t.Fatal(err)
	}

	defer vfs.SetRoot(nil)
	vfs.SetRoot(root)

	f, err := vfs.Open("/sbin/init")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = f.Write([]byte("nope")); err != vfs.ErrReadOnly {
		t.Fatalf("expected ErrReadOnly; got %v", err)
	}

	etc, err := vfs.Lookup("/etc")
	if err != nil {
		t.Fatal(err)
	}
	if _, err = etc.Create("newfile", 0644); err != vfs.ErrNotSupported {
		t.Fatalf("expected ErrNotSupported; got %v", err)
	}

	// Opening a directory fails.
	if _, err = vfs.Open("/etc"); err != vfs.ErrIsDirectory {
		t.Fatalf("expected ErrIsDirectory; got %v", err)
	}
}

func TestFileTable(t *testing.T) {
	root, err := Mount(buildImage(t))
	if err != nil {
		t.Fatal(err)
	}

	defer vfs.SetRoot(nil)
	vfs.SetRoot(root)

	ft := vfs.NewFileTable()

	f, err := vfs.Open("/etc/motd")
	if err != nil {
		t.Fatal(err)
	}

	fd, err := ft.Insert(f)
	if err != nil {
		t.Fatal(err)
	}
	if fd != 0 {
		t.Fatalf("expected the first descriptor to be 0; got %d", fd)
	}

	got, err := ft.Get(fd)
	if err != nil || got != f {
		t.Fatalf("expected Get to return the inserted file; got %v err=%v", got, err)
	}

	if _, err = ft.Get(7); err != vfs.ErrBadFD {
		t.Fatalf("expected ErrBadFD; got %v", err)
	}

	clone := ft.Clone()
	if cf, _ := clone.Get(fd); cf != f {
		t.Fatal("expected the clone to share open files")
	}

	if _, err = ft.Remove(fd); err != nil {
		t.Fatal(err)
	}
	if _, err = ft.Get(fd); err != vfs.ErrBadFD {
		t.Fatalf("expected ErrBadFD after Remove; got %v", err)
	}
}
