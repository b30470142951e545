//go:build !windows

package packages

func npmBinary() string { return "npm" }
