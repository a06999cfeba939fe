package vfs

import "github.com/corvid-systems/corvid/kernel"

// maxNameLen bounds a single path component.
const maxNameLen = 255

var root *Vnode

// SetRoot mounts the supplied vnode as the filesystem root.
func SetRoot(v *Vnode) {
	root = v
}

// Root returns the mounted root vnode.
func Root() *Vnode {
	return root
}

// Lookup resolves an absolute path to a vnode by walking the tree one
// component at a time. Repeated separators are collapsed; "." and empty
// components are skipped.
func Lookup(path string) (*Vnode, *kernel.Error) {
	if root == nil {
		return nil, ErrNoRoot
	}

	cur := root
	for start := 0; start < len(path); {
		// Skip separators.
		for start < len(path) && path[start] == '/' {
			start++
		}
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		if end == start {
			break
		}

		name := path[start:end]
		start = end

		if name == "." {
			continue
		}
		if len(name) > maxNameLen {
			return nil, ErrNameTooLong
		}

		next, err := cur.Lookup(name)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	return cur, nil
}

// Open resolves a path and opens the resulting vnode.
func Open(path string) (*File, *kernel.Error) {
	v, err := Lookup(path)
	if err != nil {
		return nil, err
	}
	if v.Dir {
		return nil, ErrIsDirectory
	}
	return v.Open()
}
