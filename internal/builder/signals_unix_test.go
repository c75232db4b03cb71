//go:build unix

package builder

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalName_SIGSYS(t *testing.T) {
	assert.Equal(t, "SIGSYS", signalName(int32(syscall.SIGSYS)))
}
