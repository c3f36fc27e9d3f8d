// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalLoggerChains(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "info", Output: &buf, Service: "testsvc"})

	// L returns a pointer so event chains work directly on the result.
	L().Error().Str("k", "v").Msg("boom")

	line := buf.String()
	require.NotEmpty(t, line)
	assert.Contains(t, line, `"service":"testsvc"`)
	assert.Contains(t, line, `"message":"boom"`)
	assert.Contains(t, line, `"k":"v"`)

	buf.Reset()
	wl := WithComponent("sub")
	wl.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"component":"sub"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
