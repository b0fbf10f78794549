//go:build windows

package main

import (
	"log/slog"

	"golang.org/x/sys/windows"
)

var procFreeConsole = windows.NewLazySystemDLL("kernel32.dll").NewProc("FreeConsole")

// detachConsole releases the console window once the GUI takes over.
func detachConsole() {
	if r, _, err := procFreeConsole.Call(); r == 0 {
		slog.Debug("FreeConsole failed", "error", err)
	}
}
