package setup

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

//go:embed plist.tmpl
var plistTemplate string

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "placesync"

	// InstallDir is where [InstallBinary] copies the running executable.
	InstallDir = "/usr/local/bin"

	// AgentLabel is the launchd job label.
	AgentLabel = "com.github.njoerd114.placesync"
)

// Agent describes the per-user launchd agent for one home directory.
type Agent struct {
	HomeDir    string
	ConfigPath string

	// run executes an external command and returns its combined output.
	run func(name string, args ...string) ([]byte, error)
}

// NewAgent returns the agent for homeDir running the daemon with the config
// at configPath.
func NewAgent(homeDir, configPath string) *Agent {
	return &Agent{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		run: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// BinaryInstallPath returns the full path to the installed binary.
func BinaryInstallPath() string {
	return filepath.Join(InstallDir, BinaryName)
}

// PlistPath returns ~/Library/LaunchAgents/<label>.plist.
func (a *Agent) PlistPath() string {
	return filepath.Join(a.HomeDir, "Library", "LaunchAgents", AgentLabel+".plist")
}

// LogDir returns ~/Library/Logs/placesync.
func (a *Agent) LogDir() string {
	return filepath.Join(a.HomeDir, "Library", "Logs", BinaryName)
}

// RenderPlist returns the agent definition.
func (a *Agent) RenderPlist() ([]byte, error) {
	tmpl, err := template.New("plist").Parse(plistTemplate)
	if err != nil {
		return nil, fmt.Errorf("parsing plist template: %w", err)
	}
	data := struct {
		Label, BinaryPath, ConfigPath, HomeDir, LogDir string
	}{AgentLabel, BinaryInstallPath(), a.ConfigPath, a.HomeDir, a.LogDir()}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("executing plist template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the plist and the log directory, then (re)starts the agent.
func (a *Agent) Install() error {
	plist, err := a.RenderPlist()
	if err != nil {
		return err
	}
	dest := a.PlistPath()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating LaunchAgents directory: %w", err)
	}
	if err := os.WriteFile(dest, plist, 0o644); err != nil {
		return fmt.Errorf("writing plist to %s: %w", dest, err)
	}
	if err := os.MkdirAll(a.LogDir(), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	_ = a.Stop() // not loaded yet on first install
	if out, err := a.run("launchctl", "bootstrap", a.domain(), dest); err != nil {
		return fmt.Errorf("launchctl bootstrap: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Stop unloads the agent. A missing plist is not an error.
func (a *Agent) Stop() error {
	if _, err := os.Stat(a.PlistPath()); os.IsNotExist(err) {
		return nil
	}
	if out, err := a.run("launchctl", "bootout", a.domain()+"/"+AgentLabel); err != nil {
		return fmt.Errorf("launchctl bootout: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Loaded reports whether launchd knows the agent.
func (a *Agent) Loaded() bool {
	_, err := a.run("launchctl", "print", a.domain()+"/"+AgentLabel)
	return err == nil
}

// Uninstall stops the agent and removes its plist. With purge the config,
// state database and logs are removed as well.
func (a *Agent) Uninstall(purge bool) error {
	if err := a.Stop(); err != nil {
		return err
	}
	if err := os.Remove(a.PlistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing plist: %w", err)
	}
	if !purge {
		return nil
	}
	dirs := []string{
		filepath.Join(a.HomeDir, ".config", BinaryName),
		filepath.Join(a.HomeDir, ".local", "share", BinaryName),
		a.LogDir(),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

func (a *Agent) domain() string {
	return fmt.Sprintf("gui/%d", os.Getuid())
}

// InstallBinary copies the running executable to [InstallDir], falling back
// to sudo when the directory is not writable.
func InstallBinary() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving current executable path: %w", err)
	}
	if self, err = filepath.EvalSymlinks(self); err != nil {
		return fmt.Errorf("resolving executable symlinks: %w", err)
	}

	dest := BinaryInstallPath()
	if self == dest {
		return nil
	}
	if isWritable(InstallDir) {
		return copyFile(self, dest, 0o755)
	}

	//nolint:gosec // the user is prompted by sudo
	cmd := exec.Command("sudo", "install", "-m", "755", self, dest)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sudo install to %s: %w", dest, err)
	}
	return nil
}

// RemoveBinary deletes the installed binary, using sudo when needed.
func RemoveBinary() error {
	path := BinaryInstallPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if isWritable(InstallDir) {
		return os.Remove(path)
	}
	//nolint:gosec // the user is prompted by sudo
	cmd := exec.Command("sudo", "rm", "-f", path)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	return cmd.Run()
}

func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".placesync-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}

func copyFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}
