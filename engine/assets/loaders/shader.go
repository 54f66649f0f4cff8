package loaders

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

// SidecarSuffix names the TOML file describing a blob: shaders/sprite.spv is
// described by shaders/sprite.shader.toml.
const SidecarSuffix = ".shader.toml"

// ShaderSidecar is the content of a sidecar file.
type ShaderSidecar struct {
	// Overrides the name derived from the file name.
	Name       string `toml:"name"`
	EntryPoint string `toml:"entry_point"`
	// "vertex", "pixel"/"fragment" or "compute".
	Stage string `toml:"stage"`
}

// ShaderSource is a blob read from disk together with its description.
type ShaderSource struct {
	Path string
	Desc metadata.ShaderDesc
	Blob []byte
}

var blobExtensions = map[string]bool{
	".spv":  true,
	".dxil": true,
	".bin":  true,
}

// IsShaderBlob reports whether path has a compiled shader extension.
func IsShaderBlob(path string) bool {
	return blobExtensions[filepath.Ext(path)]
}

// IsSidecar reports whether path is a shader sidecar.
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, SidecarSuffix)
}

func trimBlob(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// SidecarPath returns the sidecar path of a blob.
func SidecarPath(blob string) string {
	return trimBlob(blob) + SidecarSuffix
}

// BlobName derives the shader name from a blob path: "sprite.vert.spv" is
// named "sprite.vert".
func BlobName(path string) string {
	return filepath.Base(trimBlob(path))
}

// BlobsFor lists the blob paths a sidecar may describe.
func BlobsFor(sidecar string) []string {
	base := strings.TrimSuffix(sidecar, SidecarSuffix)
	out := make([]string, 0, len(blobExtensions))
	for ext := range blobExtensions {
		out = append(out, base+ext)
	}
	return out
}

type ShaderLoader struct{}

// Load reads a blob and its sidecar. Without a sidecar the stage is taken
// from the secondary extension ("sprite.frag.spv").
func (sl *ShaderLoader) Load(path string) (*ShaderSource, error) {
	if !IsShaderBlob(path) {
		return nil, errors.Newf("%s is not a shader blob", path)
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading shader %s", path)
	}
	if len(blob) == 0 {
		return nil, errors.Newf("shader %s is empty", path)
	}

	var sidecar ShaderSidecar
	data, err := os.ReadFile(SidecarPath(path))
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &sidecar); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", SidecarPath(path))
		}
	case os.IsNotExist(err):
		sidecar.Stage = strings.TrimPrefix(filepath.Ext(BlobName(path)), ".")
	default:
		return nil, errors.Wrapf(err, "reading %s", SidecarPath(path))
	}

	stage, ok := metadata.ParseShaderStage(sidecar.Stage)
	if !ok {
		return nil, errors.Newf("shader %s: unknown stage %q", path, sidecar.Stage)
	}
	name := sidecar.Name
	if name == "" {
		name = BlobName(path)
	}
	return &ShaderSource{
		Path: path,
		Desc: metadata.ShaderDesc{
			Name:       name,
			EntryPoint: sidecar.EntryPoint,
			Stage:      stage,
		},
		Blob: blob,
	}, nil
}
