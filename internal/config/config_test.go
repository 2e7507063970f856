package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("INTAKE_DATA_DIR", filepath.Join(dir, "data"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.ServerURL)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join(dir, "data", "intake.db"), cfg.DatabasePath())
	assert.DirExists(t, cfg.DataDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("INTAKE_DATA_DIR", t.TempDir())
	t.Setenv("INTAKE_SERVER_URL", "http://analysis.internal:9000")
	t.Setenv("INTAKE_STORE", "redis")
	t.Setenv("INTAKE_REDIS_ADDR", "redis:6379")
	t.Setenv("INTAKE_IDLE_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://analysis.internal:9000", cfg.ServerURL)
	assert.Equal(t, StoreRedis, cfg.Store)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("INTAKE_DATA_DIR", t.TempDir())

	t.Setenv("INTAKE_STORE", "etcd")
	_, err := Load()
	assert.ErrorContains(t, err, "unknown store")

	t.Setenv("INTAKE_STORE", "memory")
	t.Setenv("INTAKE_IDLE_TIMEOUT", "0s")
	_, err = Load()
	assert.ErrorContains(t, err, "must be positive")

	t.Setenv("INTAKE_IDLE_TIMEOUT", "soon")
	_, err = Load()
	assert.Error(t, err)
}

func TestDefaultQuestions(t *testing.T) {
	qs := DefaultQuestions()
	assert.Len(t, qs.Questions, 6)
	assert.Contains(t, qs.Questions[0], "Who is the CEO")
	assert.NotContains(t, qs.Questions[0], "\n")

	f, ok := qs.Folder("rhetorik")
	require.True(t, ok)
	assert.Equal(t, "./sample_data", f.Path)
	_, ok = qs.Folder("missing")
	assert.False(t, ok)
}

func TestLoadQuestionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.yaml")
	require.NoError(t, os.WriteFile(path, []byte("questions:\n  - Who founded it?\n  - \"  \"\n"), 0o644))

	qs, err := LoadQuestions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Who founded it?"}, qs.Questions)
	assert.Empty(t, qs.Folders)
}

func TestParseQuestionsErrors(t *testing.T) {
	cases := map[string]string{
		"empty":        "questions: []\n",
		"not yaml":     "questions: [\n",
		"folder no id": "questions: [a]\nfolders:\n  - name: x\n",
		"duplicate":    "questions: [a]\nfolders:\n  - id: x\n  - id: x\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQuestions([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadQuestionsMissingFile(t *testing.T) {
	_, err := LoadQuestions(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
