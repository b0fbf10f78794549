// Package config loads the kernel configuration from an optional TOML file
// and the LOCI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/locorum/locikernel/internal/hardware"
	"github.com/locorum/locikernel/internal/launch"
	"github.com/locorum/locikernel/internal/license"
	"github.com/locorum/locikernel/internal/logger"
	"github.com/locorum/locikernel/internal/process"
	"github.com/locorum/locikernel/internal/store"
	"github.com/locorum/locikernel/internal/supervisor"
)

// Environment variables read by the kernel.
const (
	EnvInstallDir  = "LOCI_INSTALL_DIR"
	EnvDataDir     = "LOCI_DATA_DIR"
	EnvEappDir     = "LOCI_EAPP_DIR"
	EnvDBFile      = "LOCI_DB_FILE"
	EnvLicenseText = "LOCI_LICENSE_TXT"
	EnvLicenseFile = "LOCI_LICENSE_FILE_PATH"
	EnvNoAdmin     = "LOCI_NO_ADMIN"
	EnvDisabled    = "LOCI_DISABLED_SUBPROGRAMS"
	EnvNoGUI       = "LOCI_NO_GUI"
	EnvRunNoGUI    = "RUN_WITHOUT_GUI"
	EnvNoDetach    = "NO_CONSOLE_DETATCH"
)

const (
	LicenseFileName = "loci.license.txt"
	dbRelPath       = "db/db.db"
)

type Paths struct {
	Install string `mapstructure:"install"`
	Data    string `mapstructure:"data"`
	Eapp    string `mapstructure:"eapp"`
	DBFile  string `mapstructure:"db_file"`
}

type License struct {
	Text    string        `mapstructure:"text"`
	File    string        `mapstructure:"file"`
	Issuers []string      `mapstructure:"issuers"` // armored public key files
	Grace   time.Duration `mapstructure:"grace"`
	Delay   time.Duration `mapstructure:"delay"`
}

func (l License) Source() license.Source { return license.Source{Text: l.Text, File: l.File} }

type Privilege struct {
	NoAdmin bool `mapstructure:"no_admin"`
}

type Supervisor struct {
	Poll        time.Duration `mapstructure:"poll"`
	SweepEvery  int           `mapstructure:"sweep_every"`
	LaunchBatch int           `mapstructure:"launch_batch"`
	TrimEvery   time.Duration `mapstructure:"trim_every"`
	// ExitGrace is how long children get after the shutdown event.
	ExitGrace time.Duration `mapstructure:"exit_grace"`
}

type GUI struct {
	process.Spec `mapstructure:",squash"`
	Headless     bool `mapstructure:"headless"`
	NoDetach     bool `mapstructure:"no_detach"`
}

type Status struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Paths      Paths             `mapstructure:"paths"`
	License    License           `mapstructure:"license"`
	Privilege  Privilege         `mapstructure:"privilege"`
	Children   []process.Spec    `mapstructure:"children"`
	Hardware   []hardware.Reader `mapstructure:"hardware"`
	Launch     launch.Policy     `mapstructure:"launch"`
	Supervisor Supervisor        `mapstructure:"supervisor"`
	GUI        GUI               `mapstructure:"gui"`
	Log        logger.Config     `mapstructure:"log"`
	Status     Status            `mapstructure:"status"`
	// Env and EnvFiles are kernel-wide variables for every child.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	Disabled string   `mapstructure:"disabled_subprograms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("license.grace", "48h")
	v.SetDefault("license.delay", "600s")
	v.SetDefault("supervisor.poll", supervisor.DefaultPoll.String())
	v.SetDefault("supervisor.sweep_every", supervisor.DefaultSweepEvery)
	v.SetDefault("supervisor.launch_batch", store.LaunchBatch)
	v.SetDefault("supervisor.trim_every", "10s")
	v.SetDefault("supervisor.exit_grace", "1600ms")
	v.SetDefault("launch.max_args", launch.DefaultMaxArgs)
	v.SetDefault("launch.deny_env", launch.DefaultDenyEnv)
	v.SetDefault("log.level", "info")
}

var envBindings = map[string]string{
	"paths.install":        EnvInstallDir,
	"paths.data":           EnvDataDir,
	"paths.eapp":           EnvEappDir,
	"paths.db_file":        EnvDBFile,
	"license.text":         EnvLicenseText,
	"license.file":         EnvLicenseFile,
	"disabled_subprograms": EnvDisabled,
}

// Load reads path (optional, TOML) and the environment, then fills in
// derived defaults.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, name := range envBindings {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// presence flags: any value, including empty, switches them on
	if _, ok := lookup(EnvNoAdmin); ok {
		c.Privilege.NoAdmin = true
	}
	_, noGUI := lookup(EnvNoGUI)
	_, runNoGUI := lookup(EnvRunNoGUI)
	if noGUI || runNoGUI {
		c.GUI.Headless = true
	}
	if val, ok := lookup(EnvNoDetach); ok && strings.ContainsAny(val, "yY1") {
		c.GUI.NoDetach = true
	}

	if err := c.fill(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// fill derives unset paths from the data root.
func (c *Config) fill() error {
	if c.Paths.Install == "" {
		exe, err := os.Executable()
		if err == nil {
			c.Paths.Install = filepath.Dir(exe)
		}
	}
	if c.Paths.Data == "" {
		base, err := dataHome()
		if err != nil {
			return fmt.Errorf("locate data dir: %w", err)
		}
		c.Paths.Data = filepath.Join(base, ".loci")
	}
	if c.Paths.Eapp == "" {
		c.Paths.Eapp = filepath.Join(c.Paths.Data, "eapp")
	}
	if c.Paths.DBFile == "" {
		c.Paths.DBFile = filepath.Join(c.Paths.Data, filepath.FromSlash(dbRelPath))
	}
	if c.License.File == "" {
		c.License.File = filepath.Join(c.Paths.Data, LicenseFileName)
	}
	c.Launch.BaseDir = c.Paths.Install
	if c.Log.Dir != "" && !filepath.IsAbs(c.Log.Dir) {
		c.Log.Dir = filepath.Join(c.Paths.Data, c.Log.Dir)
	}
	return nil
}

// dataHome follows the per-user data directory of each platform.
func dataHome() (string, error) {
	if runtime.GOOS == "linux" {
		if x := os.Getenv("XDG_DATA_HOME"); x != "" {
			return x, nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share"), nil
	}
	return os.UserConfigDir()
}

func (c *Config) Validate() error {
	var errs []error
	names := map[string]bool{}
	for i, s := range c.Children {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("children[%d]: %w", i, err))
			continue
		}
		if names[s.Name] {
			errs = append(errs, fmt.Errorf("children[%d]: duplicate name %q", i, s.Name))
		}
		names[s.Name] = true
	}
	for i, r := range c.Hardware {
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("hardware[%d]: path is required", i))
		}
	}
	if err := c.Launch.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("launch: %w", err))
	}
	return errors.Join(errs...)
}

// UserProgramsDir is scanned for extra programs at start.
func (c *Config) UserProgramsDir() string {
	return filepath.Join(c.Paths.Eapp, "user-programs")
}

// GlobalEnv merges env_files in order and then the inline env list.
func (c *Config) GlobalEnv() ([]string, error) {
	m := map[string]string{}
	var order []string
	put := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for _, kv := range pairs {
			put(kv[0], kv[1])
		}
	}
	for _, kv := range c.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			put(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; blank lines and # comments are skipped.
func loadEnvFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("env file: %w", err)
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
