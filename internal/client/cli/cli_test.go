package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePINFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pin.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetPIN(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		file    string // file content; "" means no file
		args    string
		want    string
		wantErr string
	}{
		{name: "env", env: "1111", want: "1111"},
		{name: "file", file: "2222\n", want: "2222"},
		{name: "args", args: "3333", want: "3333"},
		{name: "env over file and args", env: "1111", file: "2222", args: "3333", want: "1111"},
		{name: "file over args", file: "2222", args: "3333", want: "2222"},
		{name: "whitespace trimmed", file: "  4444  \n\n", want: "4444"},
		{name: "empty file", file: " \n", wantErr: "PIN file is empty"},
		{name: "nothing set", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(PINEnv, tt.env)
			pins := PINSource{FromArgs: tt.args}
			if tt.file != "" {
				pins.FromFile = writePINFile(t, tt.file)
			}

			got, err := getPIN(pins)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetPIN_FileNotFound(t *testing.T) {
	t.Setenv(PINEnv, "")

	_, err := getPIN(PINSource{FromFile: "/nonexistent/file/path.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read PIN file")
}
