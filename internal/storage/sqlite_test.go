package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TutorChat/internal/session"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "tutor.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	sess := session.New()
	sess.Mode = "guided"
	sess.Model = "models/gemini-1.5-flash"
	sess.Instructions = []string{"persona", "guía"}
	sess.Append(session.Message{Role: session.RoleAssistant, Content: "Hola"})
	sess.Append(session.Message{
		Role:    session.RoleUser,
		Content: "¿Cómo integro esto?",
		Image:   &session.Image{Name: "ej.png", MIMEType: "image/png", Data: []byte{0x89, 0x50}},
	})
	sess.Append(session.Message{
		Role:      session.RoleAssistant,
		Content:   "Por partes.",
		Code:      "func F(x float64) float64 { return x }",
		Plot:      []byte("<svg/>"),
		PlotError: "",
	})
	require.NoError(t, store.Create(ctx, sess))
	assert.Error(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "guided", got.Mode)
	assert.Equal(t, sess.Instructions, got.Instructions)
	require.Len(t, got.Messages, 3)
	assert.Nil(t, got.Messages[0].Image)
	require.NotNil(t, got.Messages[1].Image)
	assert.Equal(t, "image/png", got.Messages[1].Image.MIMEType)
	assert.Equal(t, []byte{0x89, 0x50}, got.Messages[1].Image.Data)
	assert.Equal(t, []byte("<svg/>"), got.Messages[2].Plot)
	assert.WithinDuration(t, sess.Messages[2].Timestamp, got.Messages[2].Timestamp, time.Second)
}

func TestSQLiteStoreSaveReplacesMessages(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	sess := session.New()
	sess.Append(session.Message{Role: session.RoleUser, Content: "uno"})
	sess.Append(session.Message{Role: session.RoleAssistant, Content: "dos"})
	require.NoError(t, store.Save(ctx, sess))

	sess.Clear()
	sess.Append(session.Message{Role: session.RoleUser, Content: "tres"})
	require.NoError(t, store.Save(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "tres", got.Messages[0].Content)
}

func TestSQLiteStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a := session.New()
	b := session.New()
	b.StartTime = a.StartTime.Add(time.Minute)
	require.NoError(t, store.Save(ctx, b))
	require.NoError(t, store.Save(ctx, a))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, ids)

	require.NoError(t, store.Delete(ctx, a.ID))
	_, err = store.Get(ctx, a.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
