// mkinit validates the init ELF binary at image build time and emits the
// compact pre-parsed program header blob the in-kernel loader consumes.
// Parsing ELF with debug/elf requires the host runtime, so it happens here
// rather than inside the kernel.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"os"
)

// headerMagic tags the blob format; it must match the in-kernel loader.
const headerMagic = uint32(0x43504831) // "CPH1"

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[mkinit] error: %s\n", err.Error())
	os.Exit(1)
}

func validate(f *elf.File) error {
	switch {
	case f.Class != elf.ELFCLASS32:
		return errors.New("init must be a 32-bit binary")
	case f.Machine != elf.EM_386:
		return errors.New("init must target the i386 architecture")
	case f.Type != elf.ET_EXEC:
		return errors.New("init must be a statically linked executable")
	case f.ByteOrder != binary.LittleEndian:
		return errors.New("init must be little-endian")
	}
	return nil
}

func buildBlob(f *elf.File) ([]byte, error) {
	var loadable []*elf.Prog
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Memsz > 0 {
			loadable = append(loadable, prog)
		}
	}
	if len(loadable) == 0 {
		return nil, errors.New("init has no loadable segments")
	}

	var out []byte
	word := func(v uint32) {
		out = binary.LittleEndian.AppendUint32(out, v)
	}

	word(headerMagic)
	word(uint32(f.Entry))
	word(uint32(len(loadable)))
	for _, prog := range loadable {
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment at 0x%x: file size exceeds memory size", prog.Vaddr)
		}

		word(uint32(prog.Vaddr))
		word(uint32(prog.Off))
		word(uint32(prog.Filesz))
		word(uint32(prog.Memsz))
		word(uint32(prog.Flags))
	}

	return out, nil
}

func main() {
	output := flag.String("out", "", "the output blob path (defaults to <binary>.phdr)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "mkinit: validate the init binary and emit its program header blob\n\n")
		fmt.Fprint(os.Stderr, "Usage: mkinit [options] init-binary\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		exit(errors.New("missing init binary argument"))
	}

	binPath := flag.Arg(0)
	f, err := elf.Open(binPath)
	if err != nil {
		exit(err)
	}
	defer f.Close()

	if err = validate(f); err != nil {
		exit(err)
	}

	blob, err := buildBlob(f)
	if err != nil {
		exit(err)
	}

	outPath := *output
	if outPath == "" {
		outPath = binPath + ".phdr"
	}
	if err = os.WriteFile(outPath, blob, 0644); err != nil {
		exit(err)
	}
}
