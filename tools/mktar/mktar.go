// mktar packs a staging directory into the TAR image the kernel mounts as
// its read-only root filesystem. Unlike a plain archive/tar walk it
// preserves the numeric uid/gid and the full mode bits of the staged files,
// which the kernel reports through stat.
package main

import (
	"archive/tar"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mktar] error: %s\n", err.Error())
	os.Exit(1)
}

// headerFor builds a tar header carrying the exact ownership and mode bits
// of the staged file. archive/tar's FileInfoHeader fills these with portable
// defaults which would make every file root-owned inside the image.
func headerFor(path, name string, info os.FileInfo) (*tar.Header, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, err
	}

	hdr.Name = name
	hdr.Uid = int(st.Uid)
	hdr.Gid = int(st.Gid)
	hdr.Mode = int64(st.Mode & 07777)
	hdr.Format = tar.FormatUSTAR
	return hdr, nil
}

func pack(stagingDir string, out io.Writer) error {
	tw := tar.NewWriter(out)

	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		name, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		name = filepath.ToSlash(name)
		if info.IsDir() {
			name += "/"
		}

		hdr, err := headerFor(path, name, info)
		if err != nil {
			return err
		}
		if err = tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func main() {
	output := flag.String("out", "rootfs.tar", "the output image path")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mktar: pack a staging directory into a root filesystem image\n\n")
		fmt.Fprint(os.Stderr, "Usage: mktar [options] staging-dir\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing staging directory argument"))
	}
	if !strings.HasSuffix(*output, ".tar") {
		exit(errors.New("the output image must use the .tar suffix so the kernel can locate it"))
	}

	f, err := os.Create(*output)
	if err != nil {
		exit(err)
	}
	defer f.Close()

	if err = pack(flag.Arg(0), f); err != nil {
		exit(err)
	}
}
