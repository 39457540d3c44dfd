// Copyright 2026 The Guestbox Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"bytes"
	"debug/elf"
	"strings"
)

// patchInterpreter rewrites the PT_INTERP segment of an ELF image to
// point at interpreter. The segment's size is fixed by the linker, so
// the new path (plus its NUL) must fit inside it; the remainder is
// zero-filled. Patching an image that already names interpreter
// returns the input unchanged.
func patchInterpreter(image []byte, interpreter string, path string) ([]byte, error) {
	file, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, setupErr("parse translator ELF", path, err)
	}
	defer file.Close()

	var interp *elf.Prog
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_INTERP {
			interp = prog
			break
		}
	}
	if interp == nil {
		return nil, setupErrf("patch interpreter", path, "no PT_INTERP segment")
	}

	offset := int(interp.Off)
	size := int(interp.Filesz)
	if offset < 0 || size <= 0 || offset+size > len(image) {
		return nil, setupErrf("patch interpreter", path,
			"PT_INTERP segment [%d, %d) outside %d-byte image", offset, offset+size, len(image))
	}

	current := strings.TrimRight(string(image[offset:offset+size]), "\x00")
	if current == interpreter {
		return image, nil
	}
	if len(interpreter)+1 > size {
		return nil, setupErrf("patch interpreter", path,
			"interpreter path %q needs %d bytes, segment holds %d", interpreter, len(interpreter)+1, size)
	}

	patched := append([]byte(nil), image...)
	segment := patched[offset : offset+size]
	copy(segment, interpreter)
	for i := len(interpreter); i < size; i++ {
		segment[i] = 0
	}
	return patched, nil
}
