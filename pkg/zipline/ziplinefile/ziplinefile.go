// Package ziplinefile implements the on-the-wire and on-disk container
// format for a single module's compiled bytecode: a small fixed, framed
// binary layout shared by the cache, the fetch pipeline, and the
// downloader.
package ziplinefile

import (
	"encoding/binary"
	"fmt"
)

// magic identifies the zipline file container format. Chosen arbitrarily;
// readers and writers must agree on it.
const magic uint32 = 0x5a504c4e // "ZPLN"

// CurrentVersion is the container format version this package writes and
// the highest version it accepts on read.
const CurrentVersion uint32 = 1

const headerSize = 4 + 4 + 4 // magic + version + length

// File is a parsed module container: a version tag plus the opaque
// engine-specific compiled bytecode.
type File struct {
	Version  uint32
	Bytecode []byte
}

// Encode serializes f using the fixed framed layout:
//
//	4 bytes  big-endian magic
//	4 bytes  big-endian version
//	4 bytes  big-endian bytecode length N
//	N bytes  bytecode
func Encode(f File) []byte {
	out := make([]byte, headerSize+len(f.Bytecode))
	binary.BigEndian.PutUint32(out[0:4], magic)
	binary.BigEndian.PutUint32(out[4:8], f.Version)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(f.Bytecode)))
	copy(out[12:], f.Bytecode)
	return out
}

// EncodeCurrent is a convenience wrapper around Encode using CurrentVersion.
func EncodeCurrent(bytecode []byte) []byte {
	return Encode(File{Version: CurrentVersion, Bytecode: bytecode})
}

// Decode parses a module container produced by Encode.
//
// It returns *MalformedFileError for an unrecognized magic or a truncated
// frame, and *UnsupportedVersionError for a well-framed file whose version
// tag exceeds CurrentVersion.
func Decode(data []byte) (File, error) {
	if len(data) < headerSize {
		return File{}, &MalformedFileError{Reason: fmt.Sprintf("short read: %d bytes, want at least %d", len(data), headerSize)}
	}

	gotMagic := binary.BigEndian.Uint32(data[0:4])
	if gotMagic != magic {
		return File{}, &MalformedFileError{Reason: fmt.Sprintf("bad magic %#08x", gotMagic)}
	}

	version := binary.BigEndian.Uint32(data[4:8])
	if version == 0 || version > CurrentVersion {
		return File{}, &UnsupportedVersionError{Version: version}
	}

	length := binary.BigEndian.Uint32(data[8:12])
	remaining := data[12:]
	if uint64(len(remaining)) != uint64(length) {
		return File{}, &MalformedFileError{Reason: fmt.Sprintf("declared length %d does not match remaining %d bytes", length, len(remaining))}
	}

	bytecode := make([]byte, length)
	copy(bytecode, remaining)
	return File{Version: version, Bytecode: bytecode}, nil
}

// MalformedFileError reports broken container framing: bad magic, a short
// read, or a length field that disagrees with the actual payload size.
type MalformedFileError struct {
	Reason string
}

func (e *MalformedFileError) Error() string {
	return "malformed zipline file: " + e.Reason
}

// UnsupportedVersionError reports a well-framed file whose version tag this
// reader does not know how to interpret.
type UnsupportedVersionError struct {
	Version uint32
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported zipline file version %d (max supported %d)", e.Version, CurrentVersion)
}
