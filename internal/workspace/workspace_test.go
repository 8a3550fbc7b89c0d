package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBindings(t *testing.T) {
	b := New("/home/me")
	assert.Equal(t, "/home/me", b.Get("w1"))

	assert.True(t, b.Set("w1", "/src/app/"))
	assert.Equal(t, "/src/app", b.Get("w1"))
	assert.False(t, b.Set("w1", "/src/app"), "same directory is not a change")
	assert.Equal(t, "/home/me", b.Get("w2"))

	assert.Equal(t, map[string]string{"w1": "/src/app"}, b.Snapshot())

	assert.True(t, b.Set("w1", ""))
	assert.Equal(t, "/home/me", b.Get("w1"))

	b.Set("w2", "/tmp")
	b.Remove("w2")
	assert.Empty(t, b.Snapshot())
}
