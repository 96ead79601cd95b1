// Package compiler understands MSVC cl.exe command lines well enough to decide
// how a compilation can be accelerated.
package compiler

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnsupportedArgs is returned for command lines this package will not interpret
var ErrUnsupportedArgs = errors.New("unsupported compiler arguments")

// Language of a translation unit
type Language int

const (
	LanguageC Language = iota
	LanguageCPP
)

// Source is one input file
type Source struct {
	Path     string
	Language Language
}

// Invocation is a parsed cl.exe command line. Paths are absolute, resolved
// against the working directory of the invocation.
type Invocation struct {
	Tool string
	Args []string

	Sources     []Source
	IncludeDirs []string

	// Defines holds /D values in order of appearance; a bare /DNAME maps to "1"
	Defines   map[string]string
	Undefines []string

	// UndefineAll is /u: no compiler predefined macros
	UndefineAll bool

	// NoStdIncludes is /X: ignore the INCLUDE environment variable
	NoStdIncludes bool

	CompileOnly    bool
	PreprocessOnly bool

	CreatePch bool
	UsePch    bool
	PchHeader string
	PchFile   string

	ObjectOut string
}

// IsCompiler reports whether tool names cl.exe, with or without a directory or extension
func IsCompiler(tool string) bool {
	base := baseName(tool)
	return strings.EqualFold(base, "cl.exe") || strings.EqualFold(base, "cl")
}

// Parse interprets args as given to cl.exe running in workingDir.
// Response files and the CL environment variable are not expanded; a response
// file argument yields ErrUnsupportedArgs.
func Parse(tool string, args []string, workingDir string) (*Invocation, error) {
	inv := &Invocation{
		Tool:    tool,
		Args:    args,
		Defines: make(map[string]string),
	}

	abs := func(p string) string {
		p = unquote(p)
		if isAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(workingDir, p)
	}

	// value returns the joined value of an option or the next argument
	value := func(i *int, arg, opt string) (string, error) {
		if v := arg[len(opt):]; v != "" {
			return v, nil
		}

		if *i+1 >= len(args) {
			return "", fmt.Errorf("%w: %s expects a value", ErrUnsupportedArgs, arg)
		}

		*i++
		return args[*i], nil
	}

	forced := -1
	for i := 0; i < len(args); i++ {
		arg := args[i]

		if strings.HasPrefix(arg, "@") {
			return nil, fmt.Errorf("%w: response file %s", ErrUnsupportedArgs, arg)
		}

		if !isOption(arg) {
			inv.Sources = append(inv.Sources, Source{Path: abs(arg), Language: languageOf(arg, forced)})
			continue
		}

		opt := "/" + arg[1:]
		switch {
		case opt == "/c":
			inv.CompileOnly = true
		case opt == "/E" || opt == "/EP" || opt == "/P":
			inv.PreprocessOnly = true
		case opt == "/X":
			inv.NoStdIncludes = true
		case opt == "/u":
			inv.UndefineAll = true
		case opt == "/TP":
			forced = int(LanguageCPP)
		case opt == "/TC":
			forced = int(LanguageC)
		case strings.HasPrefix(opt, "/Tp"), strings.HasPrefix(opt, "/Tc"):
			lang := LanguageCPP
			if strings.HasPrefix(opt, "/Tc") {
				lang = LanguageC
			}

			v, err := value(&i, opt, opt[:3])
			if err != nil {
				return nil, err
			}

			inv.Sources = append(inv.Sources, Source{Path: abs(v), Language: lang})
		case strings.HasPrefix(opt, "/I"):
			v, err := value(&i, opt, "/I")
			if err != nil {
				return nil, err
			}

			inv.IncludeDirs = append(inv.IncludeDirs, abs(v))
		case strings.HasPrefix(opt, "/D"):
			v, err := value(&i, opt, "/D")
			if err != nil {
				return nil, err
			}

			name, val := parseDefine(unquote(v))
			inv.Defines[name] = val
		case strings.HasPrefix(opt, "/U"):
			v, err := value(&i, opt, "/U")
			if err != nil {
				return nil, err
			}

			inv.Undefines = append(inv.Undefines, unquote(v))
		case strings.HasPrefix(opt, "/Yc"):
			inv.CreatePch = true
			inv.PchHeader = unquote(opt[3:])
		case strings.HasPrefix(opt, "/Yu"):
			inv.UsePch = true
			inv.PchHeader = unquote(opt[3:])
		case strings.HasPrefix(opt, "/Fp"):
			inv.PchFile = abs(opt[3:])
		case strings.HasPrefix(opt, "/Fo"):
			inv.ObjectOut = abs(opt[3:])
		}
	}

	if inv.CreatePch && inv.UsePch {
		return nil, fmt.Errorf("%w: /Yc and /Yu together", ErrUnsupportedArgs)
	}

	if (inv.CreatePch || inv.UsePch) && inv.PchFile == "" && len(inv.Sources) > 0 {
		// cl.exe names the PCH after the source when /Fp is absent
		src := inv.Sources[0].Path
		inv.PchFile = strings.TrimSuffix(src, filepath.Ext(src)) + ".pch"
	}

	return inv, nil
}

// SingleSource reports whether the invocation compiles exactly one source to an object
func (inv *Invocation) SingleSource() bool {
	return inv.CompileOnly && !inv.PreprocessOnly && len(inv.Sources) == 1
}

// PchHeaderPath resolves the /Yc or /Yu header against dirs, returning "" when not found
func (inv *Invocation) PchHeaderPath(exists func(string) bool, dirs ...string) string {
	if inv.PchHeader == "" {
		return ""
	}

	if isAbs(inv.PchHeader) {
		return filepath.Clean(inv.PchHeader)
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, inv.PchHeader)
		if exists(candidate) {
			return candidate
		}
	}

	return ""
}

func parseDefine(v string) (string, string) {
	if name, val, ok := strings.Cut(v, "="); ok {
		return name, val
	}

	if name, val, ok := strings.Cut(v, "#"); ok {
		return name, val
	}

	return v, "1"
}

func isOption(arg string) bool {
	return len(arg) > 1 && (arg[0] == '/' || arg[0] == '-') && !looksLikeUnixPath(arg)
}

// looksLikeUnixPath tells /src/main.cpp apart from an option
func looksLikeUnixPath(arg string) bool {
	return arg[0] == '/' && strings.Count(arg, "/") > 1 && !strings.ContainsAny(arg[:2], "IDUFTY")
}

func isAbs(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}

	// Drive-letter and UNC forms on any host
	return (len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')) || strings.HasPrefix(p, `\\`)
}

func languageOf(path string, forced int) Language {
	if forced >= 0 {
		return Language(forced)
	}

	if strings.EqualFold(filepath.Ext(path), ".c") {
		return LanguageC
	}

	return LanguageCPP
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}

	return s
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}

	return p
}
