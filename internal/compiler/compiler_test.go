package compiler

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCompiler(t *testing.T) {
	tests := []struct {
		tool string
		want bool
	}{
		{tool: "cl.exe", want: true},
		{tool: "CL.EXE", want: true},
		{tool: "cl", want: true},
		{tool: `C:\VS\bin\Hostx64\x64\cl.exe`, want: true},
		{tool: "/opt/msvc/bin/cl.exe", want: true},
		{tool: "link.exe", want: false},
		{tool: "clang-cl.exe", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCompiler(tt.tool))
		})
	}
}

func TestParse(t *testing.T) {
	wd := filepath.Join(string(filepath.Separator)+"work", "proj")

	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, inv *Invocation)
		wantErr bool
	}{
		{
			name: "single source compile",
			args: []string{"/nologo", "/c", "main.cpp", "/Foout.obj"},
			check: func(t *testing.T, inv *Invocation) {
				assert.True(t, inv.CompileOnly)
				assert.True(t, inv.SingleSource())
				require.Len(t, inv.Sources, 1)
				assert.Equal(t, filepath.Join(wd, "main.cpp"), inv.Sources[0].Path)
				assert.Equal(t, LanguageCPP, inv.Sources[0].Language)
				assert.Equal(t, filepath.Join(wd, "out.obj"), inv.ObjectOut)
			},
		},
		{
			name: "include dirs joined and separate",
			args: []string{"/Iinc", "-I", "third_party", "/c", "a.c"},
			check: func(t *testing.T, inv *Invocation) {
				assert.Equal(t, []string{filepath.Join(wd, "inc"), filepath.Join(wd, "third_party")}, inv.IncludeDirs)
				assert.Equal(t, LanguageC, inv.Sources[0].Language)
			},
		},
		{
			name: "defines and undefines",
			args: []string{"/DNDEBUG", "/D", "LEVEL=3", `/D"NAME=x"`, "-DEMPTY=", "/UFOO", "/c", "a.cpp"},
			check: func(t *testing.T, inv *Invocation) {
				assert.Equal(t, map[string]string{"NDEBUG": "1", "LEVEL": "3", "NAME": "x", "EMPTY": ""}, inv.Defines)
				assert.Equal(t, []string{"FOO"}, inv.Undefines)
			},
		},
		{
			name: "create pch",
			args: []string{"/c", "/Ycstdafx.h", "/Fpbuild/app.pch", "stdafx.cpp"},
			check: func(t *testing.T, inv *Invocation) {
				assert.True(t, inv.CreatePch)
				assert.False(t, inv.UsePch)
				assert.Equal(t, "stdafx.h", inv.PchHeader)
				assert.Equal(t, filepath.Join(wd, "build", "app.pch"), inv.PchFile)
			},
		},
		{
			name: "use pch with default pch file",
			args: []string{"/c", "/Yustdafx.h", "widget.cpp"},
			check: func(t *testing.T, inv *Invocation) {
				assert.True(t, inv.UsePch)
				assert.Equal(t, filepath.Join(wd, "widget.pch"), inv.PchFile)
			},
		},
		{
			name: "forced languages",
			args: []string{"/c", "/Tpplain.c", "/Tc", "other.cxx"},
			check: func(t *testing.T, inv *Invocation) {
				require.Len(t, inv.Sources, 2)
				assert.Equal(t, LanguageCPP, inv.Sources[0].Language)
				assert.Equal(t, LanguageC, inv.Sources[1].Language)
				assert.False(t, inv.SingleSource())
			},
		},
		{
			name: "flags",
			args: []string{"/X", "/u", "/EP", "a.cpp"},
			check: func(t *testing.T, inv *Invocation) {
				assert.True(t, inv.NoStdIncludes)
				assert.True(t, inv.UndefineAll)
				assert.True(t, inv.PreprocessOnly)
				assert.False(t, inv.CompileOnly)
			},
		},
		{
			name:    "response file",
			args:    []string{"@args.rsp"},
			wantErr: true,
		},
		{
			name:    "dangling include",
			args:    []string{"/c", "a.cpp", "/I"},
			wantErr: true,
		},
		{
			name:    "create and use pch",
			args:    []string{"/c", "/Yca.h", "/Yua.h", "a.cpp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := Parse("cl.exe", tt.args, wd)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedArgs)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.args, inv.Args)
			tt.check(t, inv)
		})
	}
}

func TestParse_AbsoluteWindowsPaths(t *testing.T) {
	inv, err := Parse("cl.exe", []string{"/c", `C:\src\main.cpp`, `/IC:\sdk\include`}, "/work")
	require.NoError(t, err)

	assert.Equal(t, `C:\src\main.cpp`, inv.Sources[0].Path)
	assert.Equal(t, []string{`C:\sdk\include`}, inv.IncludeDirs)
}

func TestPchHeaderPath(t *testing.T) {
	inv := &Invocation{PchHeader: "pch.h"}
	present := filepath.Join("/b", "pch.h")

	got := inv.PchHeaderPath(func(p string) bool { return p == present }, "/a", "/b")
	assert.Equal(t, present, got)

	got = inv.PchHeaderPath(func(string) bool { return false }, "/a")
	assert.Empty(t, got)
}
