package attach

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGate_HoldsUntilCarriageReturn(t *testing.T) {
	var g gate
	assert.Nil(t, g.pass([]byte("ls")))
	assert.Nil(t, g.pass([]byte(" -l\n")), "newline is not the trigger")
	assert.Equal(t, "ls -l\n\rx", string(g.pass([]byte("\rx"))))
	assert.Equal(t, "abc", string(g.pass([]byte("abc"))), "stays open")
}

func TestGate_Open(t *testing.T) {
	g := gate{open: true}
	assert.Equal(t, "y", string(g.pass([]byte("y"))))
}
