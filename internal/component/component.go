// Package component provides minimal WebAssembly Component Model binary
// recognition: telling a component apart from a core module, and
// unwrapping the single embedded core module of the "simple" components
// this host targets (one core module, no sub-instances) — the same fast
// path wazero-based component hosts in the wild use before falling back
// to full canonical-ABI decoding.
//
// Full WIT type-system decoding (records, variants, resources) is out of
// scope for this host: compiling, caching, and dispatching to
// components does not require re-implementing the canonical ABI. See
// DESIGN.md.
package component

import (
	"errors"
	"io"
)

// IsComponent reports whether source is a Component Model binary rather
// than a core WebAssembly module, per the binary header's version/layer
// fields (core modules: version=1, layer=0; components: version=0x0a,
// layer=1).
func IsComponent(source []byte) bool {
	if len(source) < 8 || string(source[:4]) != "\x00asm" {
		return false
	}
	return source[4] == 0x0a && source[6] == 0x01 && source[7] == 0x00
}

// ExtractCoreModule returns the first embedded core module's raw bytes
// if source is a component, or source unchanged if it is already a core
// module.
func ExtractCoreModule(source []byte) (core []byte, wasComponent bool, err error) {
	if !IsComponent(source) {
		return source, false, nil
	}
	core, err = firstEmbeddedCoreModule(source)
	return core, true, err
}

const coreModuleSectionID = 0x00

func firstEmbeddedCoreModule(source []byte) ([]byte, error) {
	r := sectionReader{buf: source[8:]}
	for r.remaining() > 0 {
		id, payload, err := r.next()
		if err != nil {
			return nil, err
		}
		if id == coreModuleSectionID && len(payload) >= 8 && string(payload[:4]) == "\x00asm" {
			return payload, nil
		}
	}
	return nil, errors.New("component contains no embedded core module")
}

type sectionReader struct {
	buf []byte
	pos int
}

func (r *sectionReader) remaining() int { return len(r.buf) - r.pos }

func (r *sectionReader) next() (byte, []byte, error) {
	if r.remaining() < 1 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	id := r.buf[r.pos]
	r.pos++
	size, n, err := readUvarint(r.buf[r.pos:])
	if err != nil {
		return 0, nil, err
	}
	r.pos += n
	if r.remaining() < int(size) {
		return 0, nil, io.ErrUnexpectedEOF
	}
	payload := r.buf[r.pos : r.pos+int(size)]
	r.pos += int(size)
	return id, payload, nil
}

func readUvarint(b []byte) (uint64, int, error) {
	var result uint64
	var shift uint
	for i, c := range b {
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, errors.New("uvarint overflow")
		}
	}
	return 0, 0, io.ErrUnexpectedEOF
}
