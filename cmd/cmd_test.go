package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arenasync/replay"
	"arenasync/replaystore"
	"arenasync/sim"
)

func seedArchive(t *testing.T) (configFile, id string) {
	t.Helper()
	dir := t.TempDir()
	db := filepath.Join(dir, "replays.db")
	configFile = filepath.Join(dir, "arenasync.toml")
	content := "[replay]\ndb_path = \"" + filepath.ToSlash(db) + "\"\n\n[log]\nfile = \"\"\nconsole = false\nlevel = \"error\"\n"
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0o644))

	engine := sim.NewEngine(sim.DefaultConfig())
	st := sim.SeedWorld("s1", sim.ModeCargoRush)
	states := []*sim.GameState{st}
	for i := 0; i < 4; i++ {
		next, err := engine.Advance(states[len(states)-1], 48000, sim.WorldArea(st), false)
		require.NoError(t, err)
		states = append(states, next)
	}
	b, err := replay.Pack(states, "cli", true)
	require.NoError(t, err)

	store, err := replaystore.Open(db)
	require.NoError(t, err)
	rec, err := store.Save(context.Background(), "room-1", b)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	return configFile, rec.ID
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	showTick, showStep, showSpeed, replayLimit = -1, 0, 1, 20
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestReplayListAndShow(t *testing.T) {
	configFile, id := seedArchive(t)

	out := execute(t, "replay", "list", "--config", configFile)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "room-1")

	var summary map[string]any
	out = execute(t, "replay", "show", id, "--config", configFile)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, "cli", summary["name"])
	assert.EqualValues(t, 5, summary["marks"])

	var st sim.GameState
	out = execute(t, "replay", "show", id, "--tick", "0", "--config", configFile)
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "s1", st.Seed)
	assert.Len(t, st.Crates, 8)
}

func TestReplayPlayback(t *testing.T) {
	configFile, id := seedArchive(t)
	out := execute(t, "replay", "show", id, "--step", "96ms", "--config", configFile)

	dec := json.NewDecoder(bytes.NewBufferString(out))
	var frames int
	var last map[string]any
	for dec.More() {
		require.NoError(t, dec.Decode(&last))
		frames++
	}
	// 192ms 的录像，每 96ms 一帧
	assert.Equal(t, 3, frames)
	assert.EqualValues(t, 192000, last["tick"])
}
