package util

import (
	"log/slog"
	"os"
)

// CloseFileFunc is meant for defers where the close error can only be logged.
func CloseFileFunc(f *os.File) {
	err := f.Close()
	if err != nil {
		slog.Error("close file", "err", err)
	}
}

// DivRoundUp divides n by d rounding toward positive infinity.
func DivRoundUp(n, d int64) int64 {
	return (n + d - 1) / d
}
