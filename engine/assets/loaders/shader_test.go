package loaders

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestPaths(t *testing.T) {
	assert.True(t, IsShaderBlob("a/sprite.vert.spv"))
	assert.True(t, IsShaderBlob("sprite.dxil"))
	assert.False(t, IsShaderBlob("sprite.hlsl"))
	assert.True(t, IsSidecar("a/sprite.shader.toml"))
	assert.Equal(t, "a/sprite.vert.shader.toml", SidecarPath("a/sprite.vert.spv"))
	assert.Equal(t, "sprite.vert", BlobName("a/sprite.vert.spv"))
	assert.ElementsMatch(t, []string{"a/x.spv", "a/x.dxil", "a/x.bin"}, BlobsFor("a/x.shader.toml"))
}

func TestLoadWithSidecar(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "lighting.spv")
	write(t, blob, "\x03\x02\x23\x07")
	write(t, SidecarPath(blob), "name = \"deferred-lighting\"\nentry_point = \"csMain\"\nstage = \"compute\"\n")

	src, err := (&ShaderLoader{}).Load(blob)
	require.NoError(t, err)
	assert.Equal(t, blob, src.Path)
	assert.Equal(t, metadata.ShaderDesc{Name: "deferred-lighting", EntryPoint: "csMain", Stage: metadata.ShaderStageCompute}, src.Desc)
	assert.Equal(t, []byte("\x03\x02\x23\x07"), src.Blob)
}

func TestLoadInfersStageFromName(t *testing.T) {
	dir := t.TempDir()
	blob := filepath.Join(dir, "sprite.frag.spv")
	write(t, blob, "abcd")

	src, err := (&ShaderLoader{}).Load(blob)
	require.NoError(t, err)
	assert.Equal(t, "sprite.frag", src.Desc.Name)
	assert.Equal(t, metadata.ShaderStagePixel, src.Desc.Stage)
	assert.Empty(t, src.Desc.EntryPoint)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	l := &ShaderLoader{}

	_, err := l.Load(filepath.Join(dir, "missing.vert.spv"))
	assert.Error(t, err)

	_, err = l.Load(filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.vert.spv")
	write(t, empty, "")
	_, err = l.Load(empty)
	assert.Error(t, err)

	nostage := filepath.Join(dir, "blit.spv")
	write(t, nostage, "abcd")
	_, err = l.Load(nostage)
	assert.ErrorContains(t, err, "unknown stage")

	bad := filepath.Join(dir, "bad.spv")
	write(t, bad, "abcd")
	write(t, SidecarPath(bad), "stage = ")
	_, err = l.Load(bad)
	assert.ErrorContains(t, err, "decoding")
}
