package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdpmonkey/pkg/model"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{DSN: filepath.Join(t.TempDir(), "test.sqlite3"), Prefix: "t_"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newScript(name string) *model.Script {
	return &model.Script{
		Meta: model.Meta{
			Name:      name,
			Namespace: "ns",
			Match:     []string{"*://*/*"},
			Resources: map[string]string{"icon": "https://cdn.test/i.png"},
		},
		Config: model.ScriptConfig{Enabled: true},
		Code:   "// " + name,
	}
}

func TestPutAssignsIDAndPosition(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	a, b := newScript("a"), newScript("b")
	require.NoError(t, s.Put(ctx, a))
	require.NoError(t, s.Put(ctx, b))
	assert.NotZero(t, a.ID)
	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)

	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Meta, got.Meta)
	assert.Equal(t, "// b", got.Code)

	b.Code = "// b2"
	b.Custom.RunAt = model.RunAtDocumentStart
	require.NoError(t, s.Put(ctx, b))
	got, err = s.Query(ctx, "ns:b:")
	require.NoError(t, err)
	assert.Equal(t, "// b2", got.Code)
	assert.Equal(t, model.RunAtDocumentStart, got.Custom.RunAt)
	assert.Equal(t, b.ID, got.ID)

	all, err := s.Scripts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Meta.Name)
}

func TestEnableAndRemove(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	sc := newScript("a")
	require.NoError(t, s.Put(ctx, sc))
	require.NoError(t, s.SetValues(ctx, sc.URI(), map[string]string{"k": "s1"}, nil))

	require.NoError(t, s.SetEnabled(ctx, sc.ID, false))
	got, err := s.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.False(t, got.Config.Enabled)

	require.NoError(t, s.Remove(ctx, sc.ID))
	_, err = s.Get(ctx, sc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetEnabled(ctx, sc.ID, true), ErrNotFound)
	vals, err := s.Values(ctx, []string{sc.URI()})
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestValuesDocument(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	uri := "ns:a:"

	require.NoError(t, s.SetValues(ctx, uri, map[string]string{
		"plain":      "shello",
		"dotted.key": `o{"a":[1,2]}`,
		"n":          "n42",
	}, nil))
	require.NoError(t, s.SetValues(ctx, uri, map[string]string{"plain": "sbye"}, []string{"n", "missing"}))

	vals, err := s.Values(ctx, []string{uri, "ns:other:"})
	require.NoError(t, err)
	assert.Equal(t, map[string]map[string]string{
		uri: {"plain": "sbye", "dotted.key": `o{"a":[1,2]}`},
	}, vals)
}

func TestCache(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.PutCache(ctx, map[string]string{
		"https://cdn.test/a.js": "text/javascript,YQ==",
		"https://cdn.test/b.js": "text/javascript,Yg==",
	}))
	require.NoError(t, s.PutCache(ctx, map[string]string{"https://cdn.test/a.js": "text/javascript,QQ=="}))

	got, err := s.Cache(ctx, []string{"https://cdn.test/a.js", "https://cdn.test/none.js"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"https://cdn.test/a.js": "text/javascript,QQ=="}, got)
}
