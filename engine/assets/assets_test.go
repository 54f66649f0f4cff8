package assets

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/mock"
)

func newDevice(t *testing.T) (*renderer.Device, *core.Logger) {
	t.Helper()
	logger := core.NewLogger(&bytes.Buffer{}, log.DebugLevel)
	d, err := renderer.NewDevice(mock.NewAdapter(mock.Options{Logger: logger}), core.DefaultConfig().Device, renderer.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(d.Destroy)
	return d, logger
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func blobOf(s *renderer.Shader) []byte {
	return s.Backend().(*mock.Shader).Blob()
}

func next(t *testing.T, ch <-chan ShaderEvent, match func(ShaderEvent) bool) ShaderEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "subscription closed")
			if match(e) {
				return e
			}
		case <-timeout:
			t.Fatal("timed out waiting for shader event")
		}
	}
}

func TestLoadDirectory(t *testing.T) {
	d, logger := newDevice(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "post"), 0o755))
	write(t, filepath.Join(dir, "mesh.vert.spv"), "vert")
	write(t, filepath.Join(dir, "mesh.frag.spv"), "frag")
	write(t, filepath.Join(dir, "post", "tonemap.spv"), "tone")
	write(t, filepath.Join(dir, "post", "tonemap.shader.toml"), "stage = \"compute\"\nentry_point = \"csMain\"\n")
	write(t, filepath.Join(dir, "README.md"), "not a shader")

	lib := NewShaderLibrary(dir, d, WithLogger(logger))
	defer lib.Close()
	require.NoError(t, lib.Load())

	assert.Equal(t, []string{"mesh.frag", "mesh.vert", "tonemap"}, lib.Names())
	s, ok := lib.Get("tonemap")
	require.True(t, ok)
	assert.Equal(t, metadata.ShaderStageCompute, s.Desc().Stage)
	assert.Equal(t, "csMain", s.Desc().EntryPoint)
	assert.Equal(t, []byte("tone"), blobOf(s))

	s, ok = lib.Get("mesh.vert")
	require.True(t, ok)
	assert.Equal(t, "main", s.Desc().EntryPoint)

	_, ok = lib.Get("missing")
	assert.False(t, ok)
}

func TestLoadReportsBrokenBlobs(t *testing.T) {
	d, logger := newDevice(t)
	dir := t.TempDir()
	write(t, filepath.Join(dir, "ok.vert.spv"), "vert")
	write(t, filepath.Join(dir, "nostage.spv"), "????")

	lib := NewShaderLibrary(dir, d, WithLogger(logger))
	defer lib.Close()
	assert.Error(t, lib.Load())
	assert.Equal(t, []string{"ok.vert"}, lib.Names())
}

func TestDuplicateNamesAreRejected(t *testing.T) {
	d, logger := newDevice(t)
	dir := t.TempDir()
	write(t, filepath.Join(dir, "a.spv"), "aaaa")
	write(t, filepath.Join(dir, "a.shader.toml"), "name = \"shared\"\nstage = \"vertex\"\n")
	write(t, filepath.Join(dir, "b.spv"), "bbbb")
	write(t, filepath.Join(dir, "b.shader.toml"), "name = \"shared\"\nstage = \"vertex\"\n")

	lib := NewShaderLibrary(dir, d, WithLogger(logger))
	defer lib.Close()
	assert.Error(t, lib.Load())
	assert.Equal(t, 1, lib.Len())
}

func TestReloadAndDrop(t *testing.T) {
	d, logger := newDevice(t)
	bus := core.NewEventBus()
	dir := t.TempDir()
	path := filepath.Join(dir, "sprite.frag.spv")
	write(t, path, "old!")

	reloads := 0
	bus.Register(core.EVENT_CODE_SHADER_RELOADED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		reloads++
		assert.Equal(t, uint32(metadata.ShaderStagePixel), data.Data.U32[0])
		return true
	})

	lib := NewShaderLibrary(dir, d, WithLogger(logger), WithEventBus(bus))
	defer lib.Close()
	require.NoError(t, lib.Load())
	events := lib.Subscribe(8)
	before := d.Stats().LiveObjects

	write(t, path, "new!")
	require.NoError(t, lib.load(path))
	e := <-events
	assert.Equal(t, "sprite.frag", e.Name)
	assert.False(t, e.Removed())
	s, _ := lib.Get("sprite.frag")
	assert.Same(t, e.Shader, s)
	assert.Equal(t, []byte("new!"), blobOf(s))
	assert.Equal(t, 1, reloads)
	assert.Equal(t, before, d.Stats().LiveObjects, "the replaced shader is destroyed")

	// A broken rewrite keeps the last good shader.
	write(t, path, "")
	assert.Error(t, lib.load(path))
	s, ok := lib.Get("sprite.frag")
	require.True(t, ok)
	assert.Equal(t, []byte("new!"), blobOf(s))

	lib.drop(path)
	e = <-events
	assert.True(t, e.Removed())
	_, ok = lib.Get("sprite.frag")
	assert.False(t, ok)
	assert.Equal(t, before-1, d.Stats().LiveObjects)
}

func TestWatchReloadsChangedBlobs(t *testing.T) {
	d, logger := newDevice(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.vert.spv")
	write(t, path, "v001")

	lib := NewShaderLibrary(dir, d, WithLogger(logger))
	require.NoError(t, lib.Load())
	events := lib.Subscribe(64)
	require.NoError(t, lib.Watch())

	write(t, path, "v002")
	e := next(t, events, func(e ShaderEvent) bool {
		return e.Shader != nil && bytes.Equal(blobOf(e.Shader), []byte("v002"))
	})
	assert.Equal(t, "mesh.vert", e.Name)

	added := filepath.Join(dir, "mesh.frag.spv")
	write(t, added, "f001")
	next(t, events, func(e ShaderEvent) bool { return e.Name == "mesh.frag" && !e.Removed() })

	require.NoError(t, os.Remove(added))
	next(t, events, func(e ShaderEvent) bool { return e.Name == "mesh.frag" && e.Removed() })
	_, ok := lib.Get("mesh.frag")
	assert.False(t, ok)

	require.NoError(t, lib.Close())
	_, open := <-events
	for open {
		_, open = <-events
	}
	assert.Zero(t, lib.Len())
	assert.ErrorIs(t, lib.Watch(), ErrLibraryClosed)
}
