package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "loci.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaults(t *testing.T) {
	data := t.TempDir()
	t.Setenv(EnvDataDir, data)
	c, err := load("", noEnv)
	require.NoError(t, err)

	assert.Equal(t, data, c.Paths.Data)
	assert.Equal(t, filepath.Join(data, "eapp"), c.Paths.Eapp)
	assert.Equal(t, filepath.Join(data, "db", "db.db"), c.Paths.DBFile)
	assert.Equal(t, filepath.Join(data, LicenseFileName), c.License.File)
	assert.Equal(t, filepath.Join(data, "eapp", "user-programs"), c.UserProgramsDir())
	assert.Equal(t, 48*time.Hour, c.License.Grace)
	assert.Equal(t, 600*time.Second, c.License.Delay)
	assert.Equal(t, 500*time.Millisecond, c.Supervisor.Poll)
	assert.Equal(t, 5, c.Supervisor.SweepEvery)
	assert.Equal(t, 10, c.Supervisor.LaunchBatch)
	assert.Equal(t, 1600*time.Millisecond, c.Supervisor.ExitGrace)
	assert.Equal(t, 64, c.Launch.MaxArgs)
	assert.Equal(t, []string{"LD_*", "DYLD_*"}, c.Launch.DenyEnv)
	assert.Equal(t, c.Paths.Install, c.Launch.BaseDir)
	assert.False(t, c.Privilege.NoAdmin)
	assert.False(t, c.GUI.Headless)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	data := t.TempDir()
	path := writeConfig(t, `
disabled_subprograms = "dump1090"
env = ["MAP_TILES=/srv/tiles"]

[paths]
data = "`+filepath.ToSlash(data)+`"

[license]
issuers = ["/etc/loci/issuer.asc"]
delay = "2m"

[supervisor]
poll = "250ms"

[log]
dir = "logs"
level = "debug"

[launch]
executables = ["/opt/loci/apps/**"]
work_dirs = "/opt/loci/apps,/tmp"

[gui]
name = "gui"
path = "/opt/loci/gui"
args = ["--kiosk"]

[status]
addr = "127.0.0.1:7420"

[[children]]
name = "geoserver"
command = "java -jar geoserver.jar"
work_dir = "/opt/loci/geoserver"

[[hardware]]
name = "dump1090"
path = "/opt/loci/bin/dump1090"
args = ["--interactive"]
protocol = "ads-b"
`)
	t.Setenv(EnvDBFile, "/run/loci/db.db")
	t.Setenv(EnvLicenseText, "inline")
	c, err := load(path, func(k string) (string, bool) {
		switch k {
		case EnvNoAdmin:
			return "", true
		case EnvRunNoGUI:
			return "1", true
		case EnvNoDetach:
			return "y", true
		}
		return "", false
	})
	require.NoError(t, err)

	assert.Equal(t, "/run/loci/db.db", c.Paths.DBFile)
	assert.Equal(t, "inline", c.License.Text)
	assert.Equal(t, "inline", c.License.Source().Text)
	assert.Equal(t, []string{"/etc/loci/issuer.asc"}, c.License.Issuers)
	assert.Equal(t, 2*time.Minute, c.License.Delay)
	assert.Equal(t, 250*time.Millisecond, c.Supervisor.Poll)
	assert.Equal(t, filepath.Join(data, "logs"), c.Log.Dir)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, []string{"/opt/loci/apps/**"}, c.Launch.Executables)
	assert.Equal(t, []string{"/opt/loci/apps", "/tmp"}, c.Launch.WorkDirs)
	assert.Equal(t, "/opt/loci/gui", c.GUI.Path)
	assert.Equal(t, []string{"--kiosk"}, c.GUI.Args)
	assert.Equal(t, "127.0.0.1:7420", c.Status.Addr)
	assert.Equal(t, "dump1090", c.Disabled)
	require.Len(t, c.Children, 1)
	assert.Equal(t, "geoserver", c.Children[0].Name)
	assert.Equal(t, "/opt/loci/geoserver", c.Children[0].WorkDir)
	require.Len(t, c.Hardware, 1)
	assert.Equal(t, "ads-b", c.Hardware[0].Protocol)
	assert.True(t, c.Privilege.NoAdmin)
	assert.True(t, c.GUI.Headless)
	assert.True(t, c.GUI.NoDetach)
}

func TestDisabledFromEnvironment(t *testing.T) {
	t.Setenv(EnvDataDir, t.TempDir())
	t.Setenv(EnvDisabled, "gps-bridge")
	c, err := load("", noEnv)
	require.NoError(t, err)
	assert.Equal(t, "gps-bridge", c.Disabled)
}

func TestNoDetachNeedsAffirmativeValue(t *testing.T) {
	t.Setenv(EnvDataDir, t.TempDir())
	c, err := load("", func(k string) (string, bool) {
		if k == EnvNoDetach {
			return "no", true
		}
		return "", false
	})
	require.NoError(t, err)
	assert.False(t, c.GUI.NoDetach)
}

func TestValidateRejectsBadEntries(t *testing.T) {
	t.Setenv(EnvDataDir, t.TempDir())
	for name, body := range map[string]string{
		"child without command": "[[children]]\nname = \"x\"\n",
		"duplicate child":       "[[children]]\nname = \"x\"\ncommand = \"a\"\n[[children]]\nname = \"x\"\ncommand = \"b\"\n",
		"reader without path":   "[[hardware]]\nname = \"gps\"\nprotocol = \"nmea\"\n",
		"bad glob":              "[launch]\nexecutables = [\"/opt/[loci\"]\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := load(writeConfig(t, body), noEnv)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "nope.toml"), noEnv)
	assert.Error(t, err)
}

func TestGlobalEnvMergesFilesThenInline(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\n\nC = spaced \n"), 0o644))
	c := &Config{EnvFiles: []string{dotenv}, Env: []string{"B=override", "D=4", "broken"}}
	got, err := c.GlobalEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=override", "C=spaced", "D=4"}, got)

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = c.GlobalEnv()
	assert.Error(t, err)
}
