package frame

import (
	"errors"
	"unicode/utf8"
)

// MetaHeader layout: 4 magic bytes, 1 length byte, then up to 255 bytes of
// UTF-8 filename. It is prepended to the payload stream as an extra leading
// chunk and stripped exactly once on the receiving side. Header bytes do not
// count toward the announced payload size.
var metaMagic = [4]byte{0xF1, 'N', 'T', 0x01}

// MaxMetaNameLen is the longest filename a MetaHeader can carry.
const MaxMetaNameLen = 255

var (
	// ErrMetaNameTooLong indicates the filename exceeds 255 bytes.
	ErrMetaNameTooLong = errors.New("meta header: filename too long")
	// ErrMetaNameInvalid indicates the filename is empty or not valid UTF-8.
	ErrMetaNameInvalid = errors.New("meta header: invalid filename")
)

// EncodeMeta builds a MetaHeader announcing the given filename.
func EncodeMeta(name string) ([]byte, error) {
	if name == "" || !utf8.ValidString(name) {
		return nil, ErrMetaNameInvalid
	}
	raw := []byte(name)
	if len(raw) > MaxMetaNameLen {
		return nil, ErrMetaNameTooLong
	}
	out := make([]byte, 0, 5+len(raw))
	out = append(out, metaMagic[:]...)
	out = append(out, byte(len(raw)))
	out = append(out, raw...)
	return out, nil
}

// StripMeta inspects the first payload bytes of a session. If they start with
// a MetaHeader it returns the announced filename, the remaining payload
// bytes, and true. Otherwise it returns the input unchanged and false.
//
// The header is assumed to arrive whole in the first data frame; the encoder
// always emits it as its own chunk.
func StripMeta(chunk []byte) (name string, rest []byte, ok bool) {
	if len(chunk) < 5 {
		return "", chunk, false
	}
	if [4]byte(chunk[:4]) != metaMagic {
		return "", chunk, false
	}
	n := int(chunk[4])
	if n == 0 || len(chunk) < 5+n {
		return "", chunk, false
	}
	name = string(chunk[5 : 5+n])
	if !utf8.ValidString(name) {
		return "", chunk, false
	}
	return name, chunk[5+n:], true
}
