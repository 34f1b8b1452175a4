package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["chat"])
	assert.True(t, names["models"])

	for _, flag := range []string{"config", "model", "db", "log-dir", "debug", "temperature", "plots", "curriculum"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestWireAppNeedsAPIKey(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("TUTORCHAT_API_KEY_NAME", "TUTORCHAT_TEST_MISSING_KEY")

	_, err := wireApp(context.Background(), viper.New())
	require.Error(t, err)
	assert.ErrorContains(t, err, "TUTORCHAT_TEST_MISSING_KEY")
}

func TestWireAppFromDotEnvWithSQLite(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TUTORCHAT_API_KEY_NAME", "TUTORCHAT_TEST_KEY")
	require.NoError(t, os.WriteFile(".env", []byte("TUTORCHAT_TEST_KEY=test-key\n"), 0600))

	v := viper.New()
	v.Set("db_path", filepath.Join(dir, "sessions.db"))
	v.Set("model", "gemini-1.5-flash")

	a, err := wireApp(context.Background(), v)
	require.NoError(t, err)
	defer a.close()

	sel, err := a.tutor.Model(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-flash", sel.Model)

	sess, err := a.tutor.NewSession(context.Background())
	require.NoError(t, err)
	got, err := a.tutor.Session(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	assert.FileExists(t, filepath.Join(dir, "sessions.db"))
	assert.DirExists(t, filepath.Join(dir, "logs"))
}
