package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dshills/deckfold/internal/classify"
	"github.com/dshills/deckfold/internal/fold"
)

const deck = `$ title
$ units
$ ----
NODE  /        1
         2
         3
         4
         5
         6
         7
&        8
`

// isolate keeps the user's configuration and environment out of a test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("DECKFOLD_CONFIG", "")
	t.Setenv("DECKFOLD_ANALYZER", "")
	path := filepath.Join(dir, "model.pc")
	require.NoError(t, os.WriteFile(path, []byte(deck), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestFolds_JSON(t *testing.T) {
	path := isolate(t)

	out, _, err := execute(t, "folds", path, "--in-process", "--format", "json", "--log-level", "error")
	require.NoError(t, err)

	var got struct {
		File  string       `json:"file"`
		Folds []fold.Range `json:"folds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, path, got.File)
	require.Len(t, got.Folds, 2)
	assert.Equal(t, classify.Range{Start: 0, End: 3}, got.Folds[0].Lines())
	assert.Equal(t, classify.KindComment, got.Folds[0].Kind)
	assert.Equal(t, classify.Range{Start: 3, End: 11}, got.Folds[1].Lines())
	assert.Equal(t, "NODE", got.Folds[1].Label)
}

func TestFolds_YAML(t *testing.T) {
	path := isolate(t)

	out, _, err := execute(t, "folds", path, "--in-process", "-f", "yaml", "--log-level", "error")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	assert.Equal(t, path, got["file"])
	assert.Len(t, got["folds"], 2)
	assert.Contains(t, out, "kind: keyword")
}

func TestFolds_Text(t *testing.T) {
	path := isolate(t)

	out, _, err := execute(t, "folds", path, "--in-process", "--log-level", "error")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, path+": 11 lines, 2 folds", lines[0])
	assert.Contains(t, lines[1], "1-3")
	assert.Contains(t, lines[1], "comment (3 lines)")
	assert.Contains(t, lines[2], "4-11")
	assert.Contains(t, lines[2], "keyword NODE (8 lines)")
}

func TestFolds_FoldtextScript(t *testing.T) {
	path := isolate(t)
	dir := filepath.Dir(path)
	script := filepath.Join(dir, "foldtext.lua")
	require.NoError(t, os.WriteFile(script, []byte(`function foldtext(f) return string.upper(f.kind) .. " " .. f.lines end`), 0o644))
	cfg := filepath.Join(dir, "deckfold.toml")
	require.NoError(t, os.WriteFile(cfg, []byte("[fold]\nfoldtext_script = \""+filepath.ToSlash(script)+"\"\n"), 0o644))

	out, _, err := execute(t, "folds", path, "--in-process", "--config", cfg, "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "COMMENT 3")
	assert.Contains(t, out, "KEYWORD 8")
}

func TestFolds_Errors(t *testing.T) {
	path := isolate(t)

	_, _, err := execute(t, "folds", path, "--in-process", "--format", "xml")
	assert.ErrorContains(t, err, "unknown format")

	_, _, err = execute(t, "folds", filepath.Join(filepath.Dir(path), "missing.pc"), "--in-process")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, _, err = execute(t, "folds")
	assert.Error(t, err)
}

func TestManifest(t *testing.T) {
	out, _, err := execute(t, "manifest", "--host", "deckfold")
	require.NoError(t, err)
	assert.Contains(t, out, "remote#host#RegisterPlugin")
	assert.Contains(t, out, "DeckfoldAttach")
	assert.Contains(t, out, "DeckfoldFoldtext")
}

func TestReadDeck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crlf.pc")
	require.NoError(t, os.WriteFile(path, []byte("$ a\r\nNODE / 1\r\n"), 0o644))

	lines, err := readDeck(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"$ a", "NODE / 1"}, lines)

	empty := filepath.Join(dir, "empty.pc")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	lines, err = readDeck(empty)
	require.NoError(t, err)
	assert.Equal(t, []string{""}, lines)
}
