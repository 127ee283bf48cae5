package pad

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	// sha1("hello")
	assert.Equal(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", Fingerprint("hello"))
	assert.Len(t, Fingerprint(""), 40)
	assert.Equal(t, Fingerprint("same"), Fingerprint("same"))
	assert.NotEqual(t, Fingerprint("hello"), Fingerprint("hello world"))
}

func TestDetect(t *testing.T) {
	h1 := Fingerprint("hello")

	tests := []struct {
		name     string
		previous string
		text     string
		want     bool
	}{
		{"first observation", "", "hello", false},
		{"unchanged", h1, "hello", false},
		{"changed", h1, "hello world", true},
		{"changed to empty", h1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changed, fp := Detect(tt.previous, tt.text)
			assert.Equal(t, tt.want, changed)
			assert.Equal(t, Fingerprint(tt.text), fp)
		})
	}
}
