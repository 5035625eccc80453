package httpsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFileURI(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"file:///tmp/workspace", "/tmp/workspace", false},
		{"file://localhost/tmp/workspace", "/tmp/workspace", false},
		{"file:///tmp/with%20space", "/tmp/with space", false},
		{"file:///tmp/a?x=1#frag", "/tmp/a", false},
		{"http://example.com/x", "", true},
		{"file://otherhost/tmp/x", "", true},
		{"not-a-uri-at-all-relative/path", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFileURI(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		assert.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseRootsDropsMalformed(t *testing.T) {
	roots := ParseRoots([]string{"file:///tmp/A", "not-absolute", "file:///tmp/B"})
	assert.Equal(t, []string{"/tmp/A", "/tmp/B"}, roots)
}

func TestParseRootsAllMalformedIsEmpty(t *testing.T) {
	roots := ParseRoots([]string{"not-absolute", "http://x"})
	assert.Empty(t, roots)
}
