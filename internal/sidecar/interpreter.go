package sidecar

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Interpreter lookup strategies.
const (
	InterpreterEmbedded = "embedded"
	InterpreterVenv     = "venv"
	InterpreterSystem   = "system"
)

// ResolveInterpreter returns the first candidate that exists.
func ResolveInterpreter(candidates []string, root string) (string, error) {
	for _, c := range candidates {
		for _, path := range interpreterPaths(c, root) {
			if resolved, ok := usable(path); ok {
				return resolved, nil
			}
		}
	}
	return "", fmt.Errorf("%w (tried %v under %q)", ErrNoInterpreter, candidates, root)
}

func interpreterPaths(candidate, root string) []string {
	switch candidate {
	case InterpreterEmbedded:
		if root == "" {
			return nil
		}
		return []string{
			filepath.Join(root, "runtime", exeName("python")),
			filepath.Join(root, "runtime", "bin", "python3"),
		}
	case InterpreterVenv:
		if root == "" {
			return nil
		}
		if runtime.GOOS == "windows" {
			return []string{filepath.Join(root, "venv", "Scripts", "python.exe")}
		}
		return []string{
			filepath.Join(root, "venv", "bin", "python3"),
			filepath.Join(root, "venv", "bin", "python"),
		}
	case InterpreterSystem:
		return []string{"python3", "python"}
	default:
		return []string{candidate}
	}
}

func usable(path string) (string, bool) {
	if !filepath.IsAbs(path) && filepath.Base(path) == path {
		resolved, err := exec.LookPath(path)
		return resolved, err == nil
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", false
	}
	return path, true
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}
