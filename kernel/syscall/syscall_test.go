package syscall

import (
	"testing"
	"unsafe"

	"github.com/corvid-systems/corvid/kernel"
	"github.com/corvid-systems/corvid/kernel/sched"
	"github.com/corvid-systems/corvid/kernel/vfs"
)

// mockState wires the process hooks to in-test state.
func mockState(t *testing.T, creds sched.Credentials) *sched.Credentials {
	t.Helper()

	cur := creds
	credsFn = func() sched.Credentials { return cur }
	setCredsFn = func(c sched.Credentials) { cur = c }
	pidFn = func() uint32 { return 7 }

	t.Cleanup(func() {
		credsFn = func() sched.Credentials { return sched.CurrentProcess().Creds() }
		setCredsFn = func(c sched.Credentials) { sched.CurrentProcess().SetCreds(c) }
		pidFn = func() uint32 { return sched.CurrentProcess().PID() }
	})

	return &cur
}

func TestDispatchUnknownSyscall(t *testing.T) {
	if got := Dispatch(0, 0, 0, 0); got != -38 {
		t.Fatalf("expected -ENOSYS for syscall 0; got %d", got)
	}
	if got := Dispatch(uint32(sysCallCount)+10, 0, 0, 0); got != -38 {
		t.Fatalf("expected -ENOSYS for an out of range syscall; got %d", got)
	}
}

func TestGetIDs(t *testing.T) {
	mockState(t, sched.Credentials{RUID: 10, EUID: 11, RGID: 20, EGID: 21})

	if got := Dispatch(SysGetUID, 0, 0, 0); got != 10 {
		t.Errorf("getuid: expected 10; got %d", got)
	}
	if got := Dispatch(SysGetEUID, 0, 0, 0); got != 11 {
		t.Errorf("geteuid: expected 11; got %d", got)
	}
	if got := Dispatch(SysGetGID, 0, 0, 0); got != 20 {
		t.Errorf("getgid: expected 20; got %d", got)
	}
	if got := Dispatch(SysGetEGID, 0, 0, 0); got != 21 {
		t.Errorf("getegid: expected 21; got %d", got)
	}
	if got := Dispatch(SysGetPID, 0, 0, 0); got != 7 {
		t.Errorf("getpid: expected 7; got %d", got)
	}
}

func TestSetUID(t *testing.T) {
	t.Run("privileged sets all three ids", func(t *testing.T) {
		cur := mockState(t, sched.Credentials{RUID: 0, EUID: 0, SUID: 0})

		if got := Dispatch(SysSetUID, 1000, 0, 0); got != 0 {
			t.Fatalf("expected success; got %d", got)
		}
		if cur.RUID != 1000 || cur.EUID != 1000 || cur.SUID != 1000 {
			t.Fatalf("expected all ids to change; got %+v", *cur)
		}
	})

	t.Run("unprivileged may return to the real id", func(t *testing.T) {
		cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 2000, SUID: 2000})

		if got := Dispatch(SysSetUID, 1000, 0, 0); got != 0 {
			t.Fatalf("expected success; got %d", got)
		}
		if cur.EUID != 1000 || cur.RUID != 1000 || cur.SUID != 2000 {
			t.Fatalf("expected only the effective id to change; got %+v", *cur)
		}
	})

	t.Run("unprivileged cannot take an arbitrary id", func(t *testing.T) {
		cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 1000, SUID: 1000})

		if got := Dispatch(SysSetUID, 0, 0, 0); got != -1 {
			t.Fatalf("expected -EPERM; got %d", got)
		}
		if cur.EUID != 1000 {
			t.Fatal("expected the credentials to be unchanged")
		}
	})
}

func TestSetEUIDAndSaved(t *testing.T) {
	// A set-uid style process: real 1000, effective 0, saved 0.
	cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 0, SUID: 0})

	// Drop privilege temporarily.
	if got := Dispatch(SysSetEUID, 1000, 0, 0); got != 0 {
		t.Fatalf("expected success; got %d", got)
	}
	if cur.EUID != 1000 || cur.SUID != 0 {
		t.Fatalf("expected only the effective id to drop; got %+v", *cur)
	}

	// And regain it through the saved id.
	if got := Dispatch(SysSetEUID, 0, 0, 0); got != 0 {
		t.Fatalf("expected the saved id to allow regaining privilege; got %d", got)
	}
	if cur.EUID != 0 {
		t.Fatalf("expected the effective id to be restored; got %+v", *cur)
	}
}

func TestSetREUID(t *testing.T) {
	cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 2000, SUID: 3000})

	// Swap real and effective; the saved id follows the new effective id.
	if got := Dispatch(SysSetREUID, 2000, 1000, 0); got != 0 {
		t.Fatalf("expected success; got %d", got)
	}
	if cur.RUID != 2000 || cur.EUID != 1000 || cur.SUID != 1000 {
		t.Fatalf("unexpected credentials after swap: %+v", *cur)
	}

	// The -1 sentinel keeps an id unchanged.
	if got := Dispatch(SysSetREUID, uintptr(keepID), 2000, 0); got != 0 {
		t.Fatalf("expected success; got %d", got)
	}
	if cur.RUID != 2000 || cur.EUID != 2000 {
		t.Fatalf("unexpected credentials after keep: %+v", *cur)
	}

	// Arbitrary values are rejected.
	if got := Dispatch(SysSetREUID, 42, 42, 0); got != -1 {
		t.Fatalf("expected -EPERM; got %d", got)
	}
}

func TestSetRESUID(t *testing.T) {
	cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 2000, SUID: 3000})

	if got := Dispatch(SysSetRESUID, 3000, 1000, 2000); got != 0 {
		t.Fatalf("expected a permutation to succeed; got %d", got)
	}
	if cur.RUID != 3000 || cur.EUID != 1000 || cur.SUID != 2000 {
		t.Fatalf("unexpected credentials: %+v", *cur)
	}

	if got := Dispatch(SysSetRESUID, 0, 0, 0); got != -1 {
		t.Fatalf("expected -EPERM; got %d", got)
	}
}

func TestSetGIDFamily(t *testing.T) {
	// Group changes are gated on the effective uid, not gid.
	cur := mockState(t, sched.Credentials{RUID: 1000, EUID: 0, RGID: 100, EGID: 100, SGID: 100})

	if got := Dispatch(SysSetGID, 5, 0, 0); got != 0 {
		t.Fatalf("expected a privileged gid change to succeed; got %d", got)
	}
	if cur.RGID != 5 || cur.EGID != 5 || cur.SGID != 5 {
		t.Fatalf("unexpected group ids: %+v", *cur)
	}

	cur.EUID = 1000
	if got := Dispatch(SysSetGID, 42, 0, 0); got != -1 {
		t.Fatalf("expected an unprivileged arbitrary gid change to fail; got %d", got)
	}
}

func TestFileSyscalls(t *testing.T) {
	ft := vfs.NewFileTable()
	filesFn = func() *vfs.FileTable { return ft }

	data := []byte("file contents")
	fileVnode := &vfs.Vnode{Name: "data", Mode: 0644, UID: 3, GID: 4, Size: int64(len(data))}
	readOps := &vfs.FileOps{
		Read: func(f *vfs.File, p []byte) (int, *kernel.Error) {
			if f.Pos >= int64(len(data)) {
				return 0, nil
			}
			n := copy(p, data[f.Pos:])
			f.Pos += int64(n)
			return n, nil
		},
		Seek: func(f *vfs.File, offset int64, whence int) (int64, *kernel.Error) {
			f.Pos = offset
			return offset, nil
		},
	}

	openFn = func(path string) (*vfs.File, *kernel.Error) {
		if path != "/data" {
			return nil, vfs.ErrNotFound
		}
		return &vfs.File{Vnode: fileVnode, Ops: readOps}, nil
	}
	lookupFn = func(path string) (*vfs.Vnode, *kernel.Error) {
		if path != "/data" {
			return nil, vfs.ErrNotFound
		}
		return fileVnode, nil
	}

	t.Cleanup(func() {
		openFn = vfs.Open
		lookupFn = vfs.Lookup
		filesFn = func() *vfs.FileTable { return sched.CurrentProcess().Files() }
	})

	path := append([]byte("/data"), 0)
	pathPtr := uintptr(unsafe.Pointer(&path[0]))

	fd := Dispatch(SysOpen, pathPtr, 0, 0)
	if fd != 0 {
		t.Fatalf("expected fd 0; got %d", fd)
	}

	buf := make([]byte, 4)
	if got := Dispatch(SysRead, uintptr(fd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf))); got != 4 {
		t.Fatalf("expected a 4-byte read; got %d", got)
	}
	if string(buf) != "file" {
		t.Fatalf("unexpected read contents: %q", buf)
	}

	if got := Dispatch(SysLseek, uintptr(fd), 5, vfs.SeekSet); got != 5 {
		t.Fatalf("expected lseek to return 5; got %d", got)
	}

	var st Stat
	if got := Dispatch(SysStat, pathPtr, uintptr(unsafe.Pointer(&st)), 0); got != 0 {
		t.Fatalf("expected stat to succeed; got %d", got)
	}
	if st.UID != 3 || st.GID != 4 || st.Size != int64(len(data)) || st.Mode != 0644 {
		t.Fatalf("unexpected stat record: %+v", st)
	}

	// A missing path maps to -ENOENT.
	missing := append([]byte("/missing"), 0)
	if got := Dispatch(SysStat, uintptr(unsafe.Pointer(&missing[0])), 0, 0); got != -2 {
		t.Fatalf("expected -ENOENT; got %d", got)
	}

	if got := Dispatch(SysClose, uintptr(fd), 0, 0); got != 0 {
		t.Fatalf("expected close to succeed; got %d", got)
	}
	if got := Dispatch(SysClose, uintptr(fd), 0, 0); got != -9 {
		t.Fatalf("expected -EBADF on double close; got %d", got)
	}
}
