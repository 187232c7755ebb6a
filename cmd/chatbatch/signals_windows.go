//go:build windows

package main

import "os"

// Windows 仅可靠投递 Ctrl+C。
var shutdownSignals = []os.Signal{os.Interrupt}
