package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizeDaemon(); err != nil {
		return err
	}
	if err := c.normalizePlugins(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeDaemon() error {
	c.Daemon.Socket = strings.TrimSpace(c.Daemon.Socket)
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = DefaultSocketPath()
	}
	var err error
	if c.Daemon.Socket, err = expandPath(c.Daemon.Socket); err != nil {
		return fmt.Errorf("daemon.socket: %w", err)
	}
	c.Daemon.WebSocketAddr = strings.TrimSpace(c.Daemon.WebSocketAddr)
	return nil
}

func (c *Config) normalizePlugins() error {
	dirs := c.Plugins.Dirs
	if len(dirs) == 0 {
		dirs = DefaultPluginDirs()
	}

	seen := make(map[string]struct{}, len(dirs))
	resolved := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		expanded, err := expandPath(dir)
		if err != nil {
			return fmt.Errorf("plugins.dirs: %w", err)
		}
		if _, dup := seen[expanded]; dup {
			continue
		}
		seen[expanded] = struct{}{}
		resolved = append(resolved, expanded)
	}
	c.Plugins.Dirs = resolved
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}

// DefaultSocketPath returns $XDG_RUNTIME_DIR/quickd.sock, falling back to a
// per-user path under the temp dir.
func DefaultSocketPath() string {
	if dir, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(dir) != "" {
		return filepath.Join(dir, defaultSocketName)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("quickd-%d.sock", os.Getuid()))
}

// DefaultPluginDirs returns the user data dir followed by the system dirs.
func DefaultPluginDirs() []string {
	dirs := make([]string, 0, len(systemPluginDirs)+1)
	if base, ok := os.LookupEnv("XDG_DATA_HOME"); ok && strings.TrimSpace(base) != "" {
		dirs = append(dirs, filepath.Join(base, "quickd", "plugins"))
	} else {
		dirs = append(dirs, "~/.local/share/quickd/plugins")
	}
	return append(dirs, systemPluginDirs...)
}
