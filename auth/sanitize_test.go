package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitize(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"plain":            {in: "User denied access", want: "User denied access"},
		"control chars":    {in: "a\x00b\x1bc\td", want: "abcd"},
		"newlines trimmed": {in: "  line\r\nbreak  ", want: "linebreak"},
		"invalid utf8":     {in: "bad\xffbyte", want: "badbyte"},
		"empty":            {in: "", want: ""},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tt.want, sanitize(tt.in))
		})
	}

	t.Run("length bounded", func(t *testing.T) {
		require.Len(t, []rune(sanitize(strings.Repeat("é", 500))), maxDescriptionLength)
	})
}
