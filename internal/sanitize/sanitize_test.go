package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleName(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple", "echo", false},
		{"dots and dashes", "my-module_v2.1", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"null byte", "a\x00b", true},
		{"control byte", "a\nb", true},
		{"slash", "a/b", true},
		{"backslash", "a\\b", true},
		{"exactly 255", strings.Repeat("a", 255), false},
		{"256 bytes", strings.Repeat("a", 256), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ModuleName(tc.in)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestFilePath(t *testing.T) {
	cases := []struct {
		name    string
		rel     string
		wantErr bool
	}{
		{"simple", "foo/bar.bin", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../../etc/passwd", true},
		{"embedded traversal", "foo/../../bar", true},
		{"unc", `\\server\share`, true},
		{"reserved device", "CON", true},
		{"reserved device nested", "sub/NUL", true},
		{"ads suffix", "foo.bin:hidden", true},
		{"null byte", "foo\x00bar", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FilePath("/base", tc.rel)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyRealpath(t *testing.T) {
	require.NoError(t, VerifyRealpath("/base", "/base/foo/bar"))
	require.NoError(t, VerifyRealpath("/base", "/base"))
	err := VerifyRealpath("/base", "/elsewhere/bar")
	assert.Error(t, err)
}
