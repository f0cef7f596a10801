package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Logf("zone %d", 3)
	assert.Equal(t, "zone 3", got)

	// nil installs a no-op logger
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("dropped %v", 1) })
}

func TestComponent_PrefixAndLateBinding(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	logf := Component("acquire")

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	logf("state %s", "save")

	assert.Equal(t, []string{"[acquire] state save"}, lines)
}
