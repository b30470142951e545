package interp

import (
	"os"
	"path/filepath"
)

// windowsPowershellCandidates lists the canonical Windows install locations
// tried after `pwsh` is not on PATH.
func windowsPowershellCandidates() []string {
	var out []string
	if root := os.Getenv("SystemRoot"); root != "" {
		out = append(out,
			filepath.Join(root, "System32", "WindowsPowerShell", "v1.0", "powershell.exe"),
			filepath.Join(root, "Sysnative", "WindowsPowerShell", "v1.0", "powershell.exe"),
		)
	}
	if pf := os.Getenv("ProgramFiles"); pf != "" {
		out = append(out,
			filepath.Join(pf, "PowerShell", "7", "pwsh.exe"),
			filepath.Join(pf, "PowerShell", "7-preview", "pwsh.exe"),
		)
	}
	return append(out, "powershell.exe")
}

// systemShell returns the Windows command interpreter.
func systemShell() string {
	if comspec := os.Getenv("COMSPEC"); comspec != "" {
		return comspec
	}
	return "cmd.exe"
}
