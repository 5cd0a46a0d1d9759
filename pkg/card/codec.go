// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package card

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrCapacityExceeded = errors.New("encoded table exceeds segment capacity")
	ErrNoEnd            = errors.New("END card not found")
	ErrMalformedCard    = errors.New("malformed card")
	ErrInvalidCapacity  = errors.New("capacity must be a positive multiple of 80")
)

const (
	// Size is the width of one card in bytes.
	Size = 80

	endKey      = "END"
	valueCol    = 10 // value field starts after "KEY     = "
	fixedValEnd = 30 // numbers and booleans are right-justified to column 30
	minStrLen   = 8  // strings are padded to at least 8 characters inside quotes
)

var endCard = func() []byte {
	b := bytes.Repeat([]byte{' '}, Size)
	copy(b, endKey)
	return b
}()

// EndCard returns a copy of the END sentinel card.
func EndCard() []byte {
	out := make([]byte, Size)
	copy(out, endCard)
	return out
}

// formatCard renders one entry as an 80-byte card.
func formatCard(e Entry) ([]byte, error) {
	var sb strings.Builder
	sb.Grow(Size)
	fmt.Fprintf(&sb, "%-8s= ", e.Key)

	switch e.Value.kind {
	case KindString:
		s := strings.ReplaceAll(e.Value.s, "'", "''")
		if len(s) < minStrLen {
			s += strings.Repeat(" ", minStrLen-len(s))
		}
		sb.WriteByte('\'')
		sb.WriteString(s)
		sb.WriteByte('\'')
	case KindInt, KindFloat, KindBool:
		fmt.Fprintf(&sb, "%*s", fixedValEnd-valueCol, e.Value.String())
	default:
		return nil, ErrInvalidValue
	}

	if e.Comment != "" {
		sb.WriteString(" / ")
		sb.WriteString(e.Comment)
	}

	if sb.Len() > Size {
		return nil, ErrCardOverflow
	}
	out := make([]byte, Size)
	copy(out, sb.String())
	for i := sb.Len(); i < Size; i++ {
		out[i] = ' '
	}
	return out, nil
}

// EncodeCards renders the table followed by the END card, without padding.
func EncodeCards(t *Table) ([]byte, error) {
	out := make([]byte, 0, t.CardsNeeded()*Size)
	for _, e := range t.entries {
		c, err := formatCard(e)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		out = append(out, c...)
	}
	return append(out, endCard...), nil
}

// Encode renders the table into a buffer of exactly capacity bytes: the
// cards, the END card, then space fill.
func Encode(t *Table, capacity int) ([]byte, error) {
	if capacity <= 0 || capacity%Size != 0 {
		return nil, ErrInvalidCapacity
	}
	if need := t.CardsNeeded() * Size; need > capacity {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrCapacityExceeded, need, capacity)
	}
	cards, err := EncodeCards(t)
	if err != nil {
		return nil, err
	}
	out := make([]byte, capacity)
	n := copy(out, cards)
	for i := n; i < capacity; i++ {
		out[i] = ' '
	}
	return out, nil
}

// FindEnd returns the byte offset of the END card, or -1.
func FindEnd(buf []byte) int {
	for off := 0; off+Size <= len(buf); off += Size {
		if isEnd(buf[off : off+Size]) {
			return off
		}
	}
	return -1
}

func isEnd(c []byte) bool {
	if !bytes.HasPrefix(c, []byte(endKey)) {
		return false
	}
	// C writers terminate with NUL instead of spaces after a memset.
	for _, b := range c[len(endKey):] {
		if b != ' ' && b != 0 {
			return false
		}
	}
	return true
}

// Decode parses cards up to the END sentinel. Blank cards are skipped.
func Decode(buf []byte) (*Table, error) {
	end := FindEnd(buf)
	if end < 0 {
		return nil, ErrNoEnd
	}

	t := NewTable()
	for off := 0; off < end; off += Size {
		c := buf[off : off+Size]
		if isBlank(c) {
			continue
		}
		e, err := parseCard(c)
		if err != nil {
			return nil, fmt.Errorf("%w: card %d: %v", ErrMalformedCard, off/Size, err)
		}
		if i, ok := t.index[e.Key]; ok {
			t.entries[i] = e
			continue
		}
		t.index[e.Key] = len(t.entries)
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func isBlank(c []byte) bool {
	for _, b := range c {
		if b != ' ' && b != 0 {
			return false
		}
	}
	return true
}

// parseCard parses one 80-byte card.
func parseCard(c []byte) (Entry, error) {
	line := string(bytes.TrimRight(c, "\x00"))
	if len(line) < valueCol || line[8:10] != "= " {
		return Entry{}, errors.New("missing value indicator")
	}

	key, err := NormalizeKey(line[:8])
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Key: key}

	rest := strings.TrimLeft(line[valueCol:], " ")
	if strings.HasPrefix(rest, "'") {
		s, tail, err := parseQuoted(rest)
		if err != nil {
			return Entry{}, err
		}
		e.Value = String(s)
		rest = tail
	} else {
		token := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			token, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		token = strings.TrimSpace(token)
		switch token {
		case "":
			return Entry{}, errors.New("empty value")
		case "T":
			e.Value = Bool(true)
		case "F":
			e.Value = Bool(false)
		default:
			v, err := ParseNumber(token)
			if err != nil {
				return Entry{}, err
			}
			e.Value = v
		}
	}

	rest = strings.TrimSpace(rest)
	if rest != "" {
		if rest[0] != '/' {
			return Entry{}, fmt.Errorf("unexpected text %q after value", rest)
		}
		e.Comment = strings.TrimSpace(rest[1:])
	}
	return e, nil
}

// parseQuoted reads a quoted string starting at s[0] == '\''. Doubled
// quotes are literal quotes; trailing spaces are dropped.
func parseQuoted(s string) (string, string, error) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '\'' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\'' {
			sb.WriteByte('\'')
			i++
			continue
		}
		return strings.TrimRight(sb.String(), " "), s[i+1:], nil
	}
	return "", "", errors.New("unterminated string")
}

// String renders the table as newline separated cards, as printed by the
// status dump tools.
func (t *Table) String() string {
	var sb strings.Builder
	for _, e := range t.entries {
		c, err := formatCard(e)
		if err != nil {
			sb.WriteString(e.Key + " = " + strconv.Quote(e.Value.String()))
		} else {
			sb.Write(bytes.TrimRight(c, " "))
		}
		sb.WriteByte('\n')
	}
	sb.WriteString(endKey)
	return sb.String()
}
