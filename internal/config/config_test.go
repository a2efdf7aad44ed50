package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
socket: /run/dolorous.sock
log-filter: debug
metrics:
  listen: ":9090"
process:
  command: /server/start.sh
  restart: always
  restart-attempts: 3
  log:
    dir: /var/log/dolorous
tasks:
  nightly-backup:
    schedule: "0 3 * * *"
    run-if-stopped: true
    actions:
      - type: backup
        backup: world
      - type: command
        command: save-all
      - type: stop
        stop:
          term-timeout: 30s
backups:
  world:
    output: /backups
    location: /server/world
    file-type: tar-gz
    files:
      - "*.dat"
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.LogFilter)
	require.Equal(t, defaultWorkingDir, cfg.Process.WorkingDirectory)
	require.Equal(t, defaultCacheSize, cfg.Process.CacheSize)
	require.Equal(t, "stop", cfg.Process.Stop.StopCommand)
	require.Equal(t, defaultStopTimeout.String(), cfg.Process.Stop.KillTimeout)

	task := cfg.Tasks["nightly-backup"]
	require.Equal(t, "30s", task.Actions[2].Stop.TermTimeout)
	require.Equal(t, defaultStopTimeout.String(), task.Actions[2].Stop.KillTimeout)

	b := cfg.Backups["world"]
	require.Equal(t, defaultBackupTimeFmt, b.TimeFormat)
	require.Equal(t, defaultBackupName, b.Name)

	require.Equal(t, ":9090", cfg.Metrics.Listen)
	require.Equal(t, "/var/log/dolorous", cfg.Process.Log.Dir)
}

func TestSupervisorConfigTranslatesRestartPolicy(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	sc, err := cfg.SupervisorConfig()
	require.NoError(t, err)
	require.Equal(t, "/server/start.sh", sc.Command)
	require.Equal(t, 3, sc.RestartAttempts)
}

func TestSchedulerTasksTranslatesActions(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	tasks, err := cfg.SchedulerTasks()
	require.NoError(t, err)
	task := tasks["nightly-backup"]
	require.True(t, task.RunIfStopped)
	require.Len(t, task.Actions, 3)
	require.NotNil(t, task.Actions[2].StopOverride)
}

func TestBackupSpecsTranslatesFileType(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	specs := cfg.BackupSpecs()
	require.Equal(t, "tar-gz", string(specs["world"].FileType))
}
