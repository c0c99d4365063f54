//go:build windows

package cmds

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

type console struct {
	io.Reader
	io.Writer
	io.Closer
}

func openTTY() (io.ReadWriteCloser, error) {
	handle, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
	if err != nil {
		return nil, err
	}

	in := os.NewFile(uintptr(handle), "conin$")
	if in == nil {
		return nil, errors.New("failed to create file from console handle")
	}
	return console{Reader: in, Writer: os.Stderr, Closer: in}, nil
}
