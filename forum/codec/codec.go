// Package codec implements the fixed binary payload format for discussion
// posts. The layout is, in order: a 1-byte version tag, the 32-byte parent
// transaction id (zero-filled for a thread root), a length-prefixed theme, a
// length-prefixed language, a 1-byte priority, a length-prefixed title and a
// length-prefixed body. All length prefixes are 2-byte big-endian.
package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"dag-bbs/client-go/forum/types"
)

// ErrPayloadTooLarge is returned by Encode when a field exceeds its byte
// budget. Fields are never truncated.
var ErrPayloadTooLarge = errors.New("payload too large")

// Encode serializes a post into its wire payload. A reply (non-zero parent id)
// always emits empty theme/language/title fields and priority 0 regardless of
// what the struct carries.
func Encode(p *types.Post) ([]byte, error) {
	theme, language, title := p.Theme, p.Language, p.Title
	priority := p.Priority
	if !p.IsThread() {
		theme, language, title = "", "", ""
		priority = 0
	}

	if n := len(title); n > types.MaxTitleBytes {
		return nil, fmt.Errorf("%w: title is %d bytes, limit %d", ErrPayloadTooLarge, n, types.MaxTitleBytes)
	}
	if n := len(p.Body); n > types.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body is %d bytes, limit %d", ErrPayloadTooLarge, n, types.MaxBodyBytes)
	}

	buf := make([]byte, 0, 1+types.ParentIDSize+2+len(theme)+2+len(language)+1+2+len(title)+2+len(p.Body))
	buf = append(buf, types.Version1)
	buf = append(buf, p.ParentID[:]...)
	buf = appendField(buf, theme)
	buf = appendField(buf, language)
	buf = append(buf, priority)
	buf = appendField(buf, title)
	buf = appendField(buf, p.Body)
	return buf, nil
}

// Decode parses a raw transaction payload into a post. It returns nil -- not
// an error -- for anything that is not a well-formed post of the supported
// version: malformed payloads are a normal condition in an open transaction
// log, and callers skip them and continue. A structurally valid payload whose
// title exceeds the byte budget is protocol-non-compliant and also dropped
// whole.
func Decode(raw []byte) *types.Post {
	raw = unwrapDoubleHex(raw)

	r := reader{buf: raw}
	version, ok := r.u8()
	if !ok || version != types.Version1 {
		return nil
	}
	parent, ok := r.take(types.ParentIDSize)
	if !ok {
		return nil
	}
	theme, ok := r.field()
	if !ok {
		return nil
	}
	language, ok := r.field()
	if !ok {
		return nil
	}
	priority, ok := r.u8()
	if !ok {
		return nil
	}
	title, ok := r.field()
	if !ok {
		return nil
	}
	body, ok := r.field()
	if !ok {
		return nil
	}
	if len(title) > types.MaxTitleBytes {
		return nil
	}

	p := &types.Post{
		Version:  version,
		Theme:    string(theme),
		Language: string(language),
		Priority: priority,
		Title:    string(title),
		Body:     string(body),
	}
	copy(p.ParentID[:], parent)
	return p
}

// unwrapDoubleHex undoes a transport quirk where a payload arrives with one
// extra layer of hex encoding. A genuine payload starts with the version tag,
// which is never an ASCII hex digit, so the check cannot misfire on
// well-formed input. Input that merely looks hex-ish but fails to decode is
// parsed unchanged.
func unwrapDoubleHex(raw []byte) []byte {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return raw
	}
	for _, c := range raw {
		if !isHexDigit(c) {
			return raw
		}
	}
	decoded, err := hex.DecodeString(string(raw))
	if err != nil {
		return raw
	}
	return decoded
}

func isHexDigit(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}

func appendField(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() (uint8, bool) {
	if r.off+1 > len(r.buf) {
		return 0, false
	}
	v := r.buf[r.off]
	r.off++
	return v, true
}

func (r *reader) take(n int) ([]byte, bool) {
	if r.off+n > len(r.buf) {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) field() ([]byte, bool) {
	lb, ok := r.take(2)
	if !ok {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(lb))
	return r.take(n)
}
