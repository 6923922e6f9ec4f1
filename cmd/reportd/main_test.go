package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/agentuity/go-reportcache/report"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOwner(t *testing.T) {
	owner, err := parseOwner("alice")
	require.NoError(t, err)
	assert.Equal(t, report.User("alice"), owner)

	owner, err = parseOwner("user:bob")
	require.NoError(t, err)
	assert.Equal(t, report.User("bob"), owner)

	owner, err = parseOwner("SYSTEM")
	require.NoError(t, err)
	assert.True(t, owner.IsSystem())

	_, err = parseOwner("")
	assert.Error(t, err)
	_, err = parseOwner("group:x")
	assert.ErrorIs(t, err, report.ErrInvalidOwner)
}

func TestRequestFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	addRequestFlags(cmd)
	_, err := requestFromFlags(cmd)
	assert.Error(t, err)

	require.NoError(t, cmd.Flags().Set("kind", "book_list"))
	require.NoError(t, cmd.Flags().Set("genre", "fantasy"))
	req, err := requestFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, report.KindBookList, req.Kind)
	assert.Equal(t, report.FormatPDF, req.Format)
	require.NotNil(t, req.Filters)
	assert.Equal(t, "fantasy", req.Filters.Genre)
}

func TestPlaceholderRenderer(t *testing.T) {
	root := filepath.Join(t.TempDir(), "reports")
	r := newPlaceholderRenderer(root)
	art, err := r.Render(context.Background(), report.User("alice"), report.Request{Kind: report.KindReadingStats, Format: report.FormatExcel})
	require.NoError(t, err)
	assert.Regexp(t, `^reading_stats-.+\.xlsx$`, art.Location)

	ok, err := report.NewFileStore(root).Exists(context.Background(), art.Location)
	require.NoError(t, err)
	assert.True(t, ok)
	body, err := os.ReadFile(filepath.Join(root, art.Location))
	require.NoError(t, err)
	assert.Contains(t, string(body), "user:alice")
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"run"}, {"generate"},
		{"cache", "stats"}, {"cache", "list"}, {"cache", "invalidate"}, {"cache", "sweep"},
		{"schedule", "list"}, {"schedule", "create"}, {"schedule", "delete"},
		{"schedule", "pause"}, {"schedule", "resume"},
	} {
		cmd, _, err := rootCmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}
