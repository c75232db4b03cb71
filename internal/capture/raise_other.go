//go:build !unix

package capture

import "os"

func raise(os.Signal) {}
