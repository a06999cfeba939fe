package syscall

import "github.com/corvid-systems/corvid/kernel"

// keepID is the -1 sentinel the setre*/setres* calls use for "leave this id
// unchanged".
const keepID = ^uint32(0)

var errPerm = &kernel.Error{Module: "syscall", Message: "operation not permitted", Kind: kernel.ErrPerm}

// privileged reports whether the process may set arbitrary ids.
func privileged(euid uint32) bool {
	return euid == 0
}

func sysGetUID(_, _, _ uintptr) int32 {
	return int32(credsFn().RUID)
}

func sysGetEUID(_, _, _ uintptr) int32 {
	return int32(credsFn().EUID)
}

func sysGetGID(_, _, _ uintptr) int32 {
	return int32(credsFn().RGID)
}

func sysGetEGID(_, _, _ uintptr) int32 {
	return int32(credsFn().EGID)
}

// sysSetUID follows the POSIX rule: a privileged process sets all three
// ids; an unprivileged one may only switch its effective id to the real or
// saved id.
func sysSetUID(uid, _, _ uintptr) int32 {
	creds := credsFn()
	id := uint32(uid)

	switch {
	case privileged(creds.EUID):
		creds.RUID, creds.EUID, creds.SUID = id, id, id
	case id == creds.RUID || id == creds.SUID:
		creds.EUID = id
	default:
		return errno(errPerm)
	}

	setCredsFn(creds)
	return 0
}

func sysSetEUID(euid, _, _ uintptr) int32 {
	creds := credsFn()
	id := uint32(euid)

	if !privileged(creds.EUID) && id != creds.RUID && id != creds.SUID {
		return errno(errPerm)
	}

	creds.EUID = id
	setCredsFn(creds)
	return 0
}

// sysSetREUID updates the real and/or effective uid. An unprivileged
// process may only use values drawn from its current real, effective or
// saved set. Changing the real id, or setting an effective id different
// from the previous real id, also updates the saved id.
func sysSetREUID(ruid, euid, _ uintptr) int32 {
	creds := credsFn()

	newR, newE := uint32(ruid), uint32(euid)
	if newR == keepID {
		newR = creds.RUID
	}
	if newE == keepID {
		newE = creds.EUID
	}

	if !privileged(creds.EUID) {
		if newR != creds.RUID && newR != creds.EUID {
			return errno(errPerm)
		}
		if newE != creds.RUID && newE != creds.EUID && newE != creds.SUID {
			return errno(errPerm)
		}
	}

	if newR != creds.RUID || newE != creds.RUID {
		creds.SUID = newE
	}
	creds.RUID, creds.EUID = newR, newE

	setCredsFn(creds)
	return 0
}

func sysSetRESUID(ruid, euid, suid uintptr) int32 {
	creds := credsFn()

	newR, newE, newS := uint32(ruid), uint32(euid), uint32(suid)
	if newR == keepID {
		newR = creds.RUID
	}
	if newE == keepID {
		newE = creds.EUID
	}
	if newS == keepID {
		newS = creds.SUID
	}

	if !privileged(creds.EUID) {
		for _, id := range []uint32{newR, newE, newS} {
			if id != creds.RUID && id != creds.EUID && id != creds.SUID {
				return errno(errPerm)
			}
		}
	}

	creds.RUID, creds.EUID, creds.SUID = newR, newE, newS
	setCredsFn(creds)
	return 0
}

// The gid twins mirror the uid rules; the privilege check still keys off
// the effective uid.

func sysSetGID(gid, _, _ uintptr) int32 {
	creds := credsFn()
	id := uint32(gid)

	switch {
	case privileged(creds.EUID):
		creds.RGID, creds.EGID, creds.SGID = id, id, id
	case id == creds.RGID || id == creds.SGID:
		creds.EGID = id
	default:
		return errno(errPerm)
	}

	setCredsFn(creds)
	return 0
}

func sysSetEGID(egid, _, _ uintptr) int32 {
	creds := credsFn()
	id := uint32(egid)

	if !privileged(creds.EUID) && id != creds.RGID && id != creds.SGID {
		return errno(errPerm)
	}

	creds.EGID = id
	setCredsFn(creds)
	return 0
}

func sysSetREGID(rgid, egid, _ uintptr) int32 {
	creds := credsFn()

	newR, newE := uint32(rgid), uint32(egid)
	if newR == keepID {
		newR = creds.RGID
	}
	if newE == keepID {
		newE = creds.EGID
	}

	if !privileged(creds.EUID) {
		if newR != creds.RGID && newR != creds.EGID {
			return errno(errPerm)
		}
		if newE != creds.RGID && newE != creds.EGID && newE != creds.SGID {
			return errno(errPerm)
		}
	}

	if newR != creds.RGID || newE != creds.RGID {
		creds.SGID = newE
	}
	creds.RGID, creds.EGID = newR, newE

	setCredsFn(creds)
	return 0
}

func sysSetRESGID(rgid, egid, sgid uintptr) int32 {
	creds := credsFn()

	newR, newE, newS := uint32(rgid), uint32(egid), uint32(sgid)
	if newR == keepID {
		newR = creds.RGID
	}
	if newE == keepID {
		newE = creds.EGID
	}
	if newS == keepID {
		newS = creds.SGID
	}

	if !privileged(creds.EUID) {
		for _, id := range []uint32{newR, newE, newS} {
			if id != creds.RGID && id != creds.EGID && id != creds.SGID {
				return errno(errPerm)
			}
		}
	}

	creds.RGID, creds.EGID, creds.SGID = newR, newE, newS
	setCredsFn(creds)
	return 0
}
