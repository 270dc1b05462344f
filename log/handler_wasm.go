//go:build wasip1

package log

import (
	"io"
	"log/slog"

	"github.com/reglet-dev/aici-sdk/go/guest"
)

func defaultWriter() io.Writer {
	return guest.HostWriter()
}

// init configures the default slog handler to print through the host.
func init() {
	slog.SetDefault(slog.New(NewHandler()))
}
