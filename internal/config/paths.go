package config

import (
	"os"
	"path/filepath"
)

// Paths contains the default file locations of a voiced installation.
type Paths struct {
	Home    string // ~/.voiced
	Config  string // YAML configuration file
	PID     string // Daemon pid file
	Logs    string // Logs directory
	Context string // Conversation context file
	Journal string // SQLite event journal
}

// DefaultPaths returns the layout rooted at Home().
func DefaultPaths() Paths {
	home := Home()
	return Paths{
		Home:    home,
		Config:  filepath.Join(home, "config.yaml"),
		PID:     filepath.Join(home, "voiced.pid"),
		Logs:    filepath.Join(home, "logs"),
		Context: filepath.Join(home, "context.json"),
		Journal: filepath.Join(home, "journal.db"),
	}
}

// Home returns the voiced home directory (~/.voiced).
func Home() string {
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, ".voiced")
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// EnsureDirs creates the home and logs directories if they do not exist.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ExpandPaths expands ~ in every path-valued option.
func (c *Config) ExpandPaths() {
	c.Runtime.PIDFile = ExpandPath(c.Runtime.PIDFile)
	c.Runtime.LogFile = ExpandPath(c.Runtime.LogFile)
	c.Context.SavePath = ExpandPath(c.Context.SavePath)
	c.Journal.Path = ExpandPath(c.Journal.Path)
}
