package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerbosity(t *testing.T) {
	for level, expected := range map[string]int{"debug": 5, "info": 3, "quiet": 1, "silent": 0} {
		v, err := Verbosity(level)
		require.NoError(t, err)
		assert.Equal(t, expected, v, level)
	}
	_, err := Verbosity("loud")
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	assert.NoError(t, InitLogger(DefaultLevel, ""))
	assert.Error(t, InitLogger("loud", ""))
}
