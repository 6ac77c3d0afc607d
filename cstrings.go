package milter

import "bytes"

// null is the milter wire protocol's string terminator.
const null = "\x00"

// readCString reads a NUL-terminated string from data. A missing
// terminator is tolerated: the remainder of data is returned as-is, per
// spec.md's "partial-string tolerance" for single-field payloads.
func readCString(data []byte) string {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data)
	}
	return string(data[:pos])
}

// splitCString splits off the first NUL-terminated field of data, returning
// the field and the remainder starting after the terminator. ok is false if
// no terminator was found, in which case rest is empty and field is all of
// data — callers that require a second field treat !ok as a protocol error,
// per spec.md's asymmetry note in §4.2/§9.
func splitCString(data []byte) (field string, rest []byte, ok bool) {
	pos := bytes.IndexByte(data, 0)
	if pos == -1 {
		return string(data), nil, false
	}
	return string(data[:pos]), data[pos+1:], true
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	dst = append(dst, 0x00)
	return dst
}
