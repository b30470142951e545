//go:build windows

package packages

// npm ships as a .cmd shim on Windows; exec resolves it through PATHEXT.
func npmBinary() string { return "npm.cmd" }
