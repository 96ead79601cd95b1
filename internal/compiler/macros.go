package compiler

import (
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/Norgate-AV/buildaccel/internal/utils"
)

const (
	DefaultMscVer     = 1939
	DefaultTargetArch = "x64"
)

// PredefinedMacros returns the macros cl.exe defines without being asked for
// the given compiler version, target architecture and language
func PredefinedMacros(mscVer int, arch string, lang Language) map[string]string {
	if mscVer <= 0 {
		mscVer = DefaultMscVer
	}

	macros := map[string]string{
		"_WIN32":             "1",
		"_MSC_VER":           strconv.Itoa(mscVer),
		"_MSC_EXTENSIONS":    "1",
		"_INTEGRAL_MAX_BITS": "64",
	}

	switch strings.ToLower(arch) {
	case "x86", "win32", "i386":
		macros["_M_IX86"] = "600"
	case "arm64":
		macros["_M_ARM64"] = "1"
		macros["_WIN64"] = "1"
	default:
		macros["_M_X64"] = "100"
		macros["_M_AMD64"] = "100"
		macros["_WIN64"] = "1"
	}

	if lang == LanguageCPP {
		macros["__cplusplus"] = "199711L"
		macros["_CPPRTTI"] = "1"
	}

	return macros
}

// Definitions returns the macro set in effect for source: predefined macros
// (unless /u), then /D, then /U removals
func (inv *Invocation) Definitions(source Source, mscVer int, arch string) map[string]string {
	defs := map[string]string{}
	if !inv.UndefineAll {
		defs = PredefinedMacros(mscVer, arch, source.Language)
	}

	for name, val := range inv.Defines {
		defs[name] = val
	}

	return lo.OmitByKeys(defs, inv.Undefines)
}

// SystemIncludeDirs returns the directories listed in INCLUDE within env
// (KEY=VALUE pairs), or nothing when /X is given
func (inv *Invocation) SystemIncludeDirs(env []string) []string {
	if inv.NoStdIncludes {
		return nil
	}

	return SystemIncludeDirs(env)
}

// SystemIncludeDirs extracts INCLUDE from KEY=VALUE pairs. Later pairs win and
// the name is matched case-insensitively, as on Windows.
func SystemIncludeDirs(env []string) []string {
	var include string
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && strings.EqualFold(k, "INCLUDE") {
			include = v
		}
	}

	return utils.SplitPathList(include, ';')
}
