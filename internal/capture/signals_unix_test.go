//go:build unix

package capture

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSignals_IncludeSIGSYS(t *testing.T) {
	assert.Contains(t, DefaultSignals, syscall.SIGSYS)
	assert.Equal(t, DefaultSignals, NewSignals().signals)
}
