package deps

import (
	"bytes"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type directiveKind int

const (
	dirInclude directiveKind = iota
	dirIf
	dirIfdef
	dirIfndef
	dirElif
	dirElse
	dirEndif
	dirDefine
	dirUndef
)

// directive is one preprocessor line relevant to include resolution.
// For includes arg is the header name; for conditionals the expression or macro
// name; for define/undef the macro name.
type directive struct {
	kind   directiveKind
	arg    string
	angled bool

	// computed is set for includes whose name comes from a macro
	computed bool
}

var directiveKinds = map[string]directiveKind{
	"include": dirInclude,
	"if":      dirIf,
	"ifdef":   dirIfdef,
	"ifndef":  dirIfndef,
	"elif":    dirElif,
	"else":    dirElse,
	"endif":   dirEndif,
	"define":  dirDefine,
	"undef":   dirUndef,
}

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// decodeSource converts a source carrying a byte order mark to plain UTF-8.
// The compiler accepts UTF-16 sources when they start with a BOM.
func decodeSource(src []byte) []byte {
	if !bytes.HasPrefix(src, bomUTF8) && !bytes.HasPrefix(src, bomUTF16LE) && !bytes.HasPrefix(src, bomUTF16BE) {
		return src
	}

	out, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), src)
	if err != nil {
		return src
	}

	return out
}

// parseDirectives extracts the include and conditional directives of a source file
func parseDirectives(src []byte) []directive {
	src = decodeSource(src)
	src = spliceLines(src)
	src = stripComments(src)

	var out []directive

	for _, line := range bytes.Split(src, []byte{'\n'}) {
		s := strings.TrimSpace(string(line))
		if !strings.HasPrefix(s, "#") {
			continue
		}

		s = strings.TrimSpace(s[1:])
		name, rest := splitWord(s)

		kind, ok := directiveKinds[name]
		if !ok {
			continue
		}

		d := directive{kind: kind}
		switch kind {
		case dirInclude:
			d.arg, d.angled, d.computed = parseIncludeName(rest)
		case dirIfdef, dirIfndef, dirDefine, dirUndef:
			d.arg, _ = splitWord(rest)
			if kind == dirDefine {
				// Function-like macros: "#define F(x) ..." names F
				if i := strings.IndexByte(d.arg, '('); i >= 0 {
					d.arg = d.arg[:i]
				}
			}
		case dirIf, dirElif:
			d.arg = rest
		}

		out = append(out, d)
	}

	return out
}

func splitWord(s string) (string, string) {
	i := strings.IndexAny(s, " \t\"<")
	if i < 0 {
		return s, ""
	}

	return s[:i], strings.TrimSpace(s[i:])
}

func parseIncludeName(rest string) (name string, angled, computed bool) {
	if rest == "" {
		return "", false, true
	}

	var closer byte
	switch rest[0] {
	case '"':
		closer = '"'
	case '<':
		closer = '>'
		angled = true
	default:
		return "", false, true
	}

	end := strings.IndexByte(rest[1:], closer)
	if end < 0 {
		return "", angled, true
	}

	return rest[1 : end+1], angled, false
}

// spliceLines joins lines ending in a backslash
func spliceLines(src []byte) []byte {
	src = bytes.ReplaceAll(src, []byte("\\\r\n"), nil)
	src = bytes.ReplaceAll(src, []byte("\\\n"), nil)
	return bytes.ReplaceAll(src, []byte("\r\n"), []byte("\n"))
}

// stripComments blanks out comments while keeping line structure and string literals
func stripComments(src []byte) []byte {
	out := make([]byte, 0, len(src))

	const (
		code = iota
		lineComment
		blockComment
		stringLit
		charLit
	)

	state := code
	for i := 0; i < len(src); i++ {
		c := src[i]
		var next byte
		if i+1 < len(src) {
			next = src[i+1]
		}

		switch state {
		case code:
			switch {
			case c == '/' && next == '/':
				state = lineComment
				i++
			case c == '/' && next == '*':
				state = blockComment
				out = append(out, ' ')
				i++
			case c == '"':
				state = stringLit
				out = append(out, c)
			case c == '\'':
				state = charLit
				out = append(out, c)
			default:
				out = append(out, c)
			}
		case lineComment:
			if c == '\n' {
				state = code
				out = append(out, c)
			}
		case blockComment:
			if c == '*' && next == '/' {
				state = code
				i++
			} else if c == '\n' {
				out = append(out, c)
			}
		case stringLit, charLit:
			out = append(out, c)
			quote := byte('"')
			if state == charLit {
				quote = '\''
			}
			switch {
			case c == '\\' && next != 0 && next != '\n':
				out = append(out, next)
				i++
			case c == quote, c == '\n':
				state = code
			}
		}
	}

	return out
}
