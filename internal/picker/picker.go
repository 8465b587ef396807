// Package picker shows the desktop's native open-file dialog by shelling out
// to the platform's dialog tool.
package picker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var (
	// ErrCancelled is returned when the user dismisses the dialog.
	ErrCancelled = errors.New("file selection cancelled")
	// ErrUnavailable is returned when no dialog tool is installed.
	ErrUnavailable = errors.New("no native file picker available")
)

// Filter restricts selectable files, e.g. {Name: "Audio", Extensions: ["wav"]}.
type Filter struct {
	Name       string   `json:"name"`
	Extensions []string `json:"extensions"`
}

// Request describes one dialog.
type Request struct {
	Title   string   `json:"title"`
	Filters []Filter `json:"filters"`
}

// Picker opens a file dialog and returns the chosen path.
type Picker interface {
	Pick(ctx context.Context, req Request) (string, error)
}

// Native runs zenity or kdialog on Linux, osascript on macOS and PowerShell
// on Windows.
type Native struct {
	goos     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) (string, error)
}

// NewNative returns a picker for the running OS.
func NewNative() *Native {
	return &Native{goos: runtime.GOOS, lookPath: exec.LookPath, run: runCommand}
}

// Pick blocks until the dialog closes.
func (n *Native) Pick(ctx context.Context, req Request) (string, error) {
	name, args, err := n.command(req)
	if err != nil {
		return "", err
	}

	out, err := n.run(ctx, name, args...)
	path := strings.TrimSpace(out)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if path == "" {
		return "", ErrCancelled
	}
	return path, nil
}

func (n *Native) command(req Request) (string, []string, error) {
	title := req.Title
	if title == "" {
		title = "Select a file"
	}

	switch n.goos {
	case "windows":
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", powershellScript(title, req.Filters)}, nil
	case "darwin":
		return "osascript", []string{"-e", fmt.Sprintf(`POSIX path of (choose file with prompt %q)`, title)}, nil
	}

	if _, err := n.lookPath("zenity"); err == nil {
		args := []string{"--file-selection", "--title=" + title}
		for _, f := range req.Filters {
			args = append(args, "--file-filter="+f.Name+" | "+strings.Join(globs(f), " "))
		}
		return "zenity", args, nil
	}
	if _, err := n.lookPath("kdialog"); err == nil {
		var parts []string
		for _, f := range req.Filters {
			parts = append(parts, strings.Join(globs(f), " ")+"|"+f.Name)
		}
		args := []string{"--title", title, "--getopenfilename", "."}
		if len(parts) > 0 {
			args = append(args, strings.Join(parts, "\n"))
		}
		return "kdialog", args, nil
	}
	return "", nil, ErrUnavailable
}

func globs(f Filter) []string {
	out := make([]string, 0, len(f.Extensions))
	for _, ext := range f.Extensions {
		out = append(out, "*."+strings.TrimPrefix(ext, "."))
	}
	return out
}

func powershellScript(title string, filters []Filter) string {
	var parts []string
	for _, f := range filters {
		g := strings.Join(globs(f), ";")
		parts = append(parts, f.Name+"|"+g)
	}
	parts = append(parts, "All files|*.*")
	filter := strings.ReplaceAll(strings.Join(parts, "|"), "'", "''")
	title = strings.ReplaceAll(title, "'", "''")

	return "Add-Type -AssemblyName System.Windows.Forms;" +
		"$d = New-Object System.Windows.Forms.OpenFileDialog;" +
		"$d.Title = '" + title + "';" +
		"$d.Filter = '" + filter + "';" +
		"if ($d.ShowDialog() -eq 'OK') { Write-Output $d.FileName } else { exit 1 }"
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}
