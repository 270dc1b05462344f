//go:build !wasip1

package log

import (
	"io"
	"os"
)

// Outside a guest, records go to stderr.
func defaultWriter() io.Writer {
	return os.Stderr
}
