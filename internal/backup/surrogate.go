package backup

import (
	"io"
	"strconv"
	"unicode/utf16"
)

// surrogateReader rewrites UTF-16 surrogate pairs written as two numeric
// character references (&#55357;&#56832;) into a single reference to the
// combined code point. encoding/xml decodes each half on its own into U+FFFD.
type surrogateReader struct {
	src io.Reader
	buf []byte
	in  []byte
	out []byte
	eof bool
	err error
}

// maxRefLen bounds a numeric reference such as "&#x10FFFF;".
const maxRefLen = 12

func newSurrogateReader(r io.Reader) *surrogateReader {
	return &surrogateReader{src: r, buf: make([]byte, 32*1024)}
}

func (s *surrogateReader) Read(p []byte) (int, error) {
	for len(s.out) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.eof {
			if len(s.in) == 0 {
				return 0, io.EOF
			}
			s.process()
			continue
		}

		n, err := s.src.Read(s.buf)
		s.in = append(s.in, s.buf[:n]...)
		if err == io.EOF {
			s.eof = true
		} else if err != nil {
			s.err = err
		}
		s.process()
	}

	n := copy(p, s.out)
	s.out = s.out[n:]
	return n, nil
}

type refState int

const (
	refNone refState = iota
	refOK
	refShort
)

// process moves s.in to s.out, holding back a trailing partial reference
// until more input arrives.
func (s *surrogateReader) process() {
	in := s.in
	out := s.out[:0]
	i := 0
	for i < len(in) {
		c := in[i]
		if c != '&' {
			out = append(out, c)
			i++
			continue
		}

		hi, n1, st := charRef(in[i:])
		if st == refShort && !s.eof {
			break
		}
		if st != refOK || !utf16.IsSurrogate(hi) || hi >= 0xDC00 {
			out = append(out, c)
			i++
			continue
		}

		lo, n2, st2 := charRef(in[i+n1:])
		if st2 == refShort && !s.eof {
			break
		}
		if st2 == refOK && lo >= 0xDC00 && lo <= 0xDFFF {
			combined := utf16.DecodeRune(hi, lo)
			out = append(out, "&#"...)
			out = strconv.AppendInt(out, int64(combined), 10)
			out = append(out, ';')
			i += n1 + n2
			continue
		}

		out = append(out, in[i:i+n1]...)
		i += n1
	}

	s.out = out
	s.in = append(s.in[:0], in[i:]...)
}

// charRef parses a numeric character reference at the start of b.
func charRef(b []byte) (rune, int, refState) {
	if len(b) < 2 {
		if len(b) == 0 || b[0] == '&' {
			return 0, 0, refShort
		}
		return 0, 0, refNone
	}
	if b[0] != '&' || b[1] != '#' {
		return 0, 0, refNone
	}

	i := 2
	base := 10
	if i < len(b) && (b[i] == 'x' || b[i] == 'X') {
		base = 16
		i++
	}
	start := i
	for i < len(b) && i < maxRefLen {
		if b[i] == ';' {
			if i == start {
				return 0, 0, refNone
			}
			v, err := strconv.ParseUint(string(b[start:i]), base, 32)
			if err != nil {
				return 0, 0, refNone
			}
			return rune(v), i + 1, refOK
		}
		i++
	}
	if i >= maxRefLen {
		return 0, 0, refNone
	}
	return 0, 0, refShort
}
