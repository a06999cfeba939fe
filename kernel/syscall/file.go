package syscall

import "unsafe"

// Stat mirrors the user-visible stat record filled in by the stat family.
type Stat struct {
	Mode uint32
	UID  uint32
	GID  uint32
	Size int64
}

func sysOpen(pathPtr, _, _ uintptr) int32 {
	f, err := openFn(stringAt(pathPtr))
	if err != nil {
		return errno(err)
	}

	fd, err := filesFn().Insert(f)
	if err != nil {
		f.Close()
		return errno(err)
	}
	return int32(fd)
}

func sysClose(fd, _, _ uintptr) int32 {
	f, err := filesFn().Remove(int(fd))
	if err != nil {
		return errno(err)
	}
	if err = f.Close(); err != nil {
		return errno(err)
	}
	return 0
}

func sysRead(fd, bufPtr, count uintptr) int32 {
	f, err := filesFn().Get(int(fd))
	if err != nil {
		return errno(err)
	}

	n, err := f.Read(bytesAt(bufPtr, count))
	if err != nil {
		return errno(err)
	}
	return int32(n)
}

func sysWrite(fd, bufPtr, count uintptr) int32 {
	f, err := filesFn().Get(int(fd))
	if err != nil {
		return errno(err)
	}

	n, err := f.Write(bytesAt(bufPtr, count))
	if err != nil {
		return errno(err)
	}
	return int32(n)
}

func sysLseek(fd, offset, whence uintptr) int32 {
	f, err := filesFn().Get(int(fd))
	if err != nil {
		return errno(err)
	}

	pos, err := f.Seek(int64(int32(offset)), int(whence))
	if err != nil {
		return errno(err)
	}
	return int32(pos)
}

func sysStat(pathPtr, statPtr, _ uintptr) int32 {
	return statCommon(pathPtr, statPtr)
}

// sysLstat matches sysStat: the root filesystem has no symbolic links so
// the two calls resolve identically.
func sysLstat(pathPtr, statPtr, _ uintptr) int32 {
	return statCommon(pathPtr, statPtr)
}

func statCommon(pathPtr, statPtr uintptr) int32 {
	v, err := lookupFn(stringAt(pathPtr))
	if err != nil {
		return errno(err)
	}

	if statPtr != 0 {
		st := (*Stat)(unsafe.Pointer(statPtr))
		st.Mode = v.Mode
		st.UID = v.UID
		st.GID = v.GID
		st.Size = v.Size
	}
	return 0
}
