//go:build mage

package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

const shaderDir = "assets/shaders"

// Compiles every GLSL source in assets/shaders to SPIR-V next to it.
func (Build) Shaders() error {
	return buildShaders()
}

// Builds the engine binary with the Vulkan backend.
func (Build) Engine() error {
	_, err := executeCmd("go", withArgs("build", "-tags", "vulkan", "-o", "bin/anima", "."), withStream())
	return err
}

func buildShaders() error {
	var sources []string
	for _, ext := range []string{"vert", "frag", "comp"} {
		matches, err := filepath.Glob(filepath.Join(shaderDir, "*."+ext))
		if err != nil {
			return err
		}
		sources = append(sources, matches...)
	}
	if len(sources) == 0 {
		fmt.Printf("No shaders found in %s\n", shaderDir)
		return nil
	}
	for _, src := range sources {
		// sprite.frag -> sprite.frag.spv, named "sprite.frag" by the shader library.
		out := src + ".spv"
		if _, err := executeCmd("glslc", withArgs(src, "-o", out), withStream()); err != nil {
			return err
		}
		fmt.Printf("Compiled %s\n", strings.TrimPrefix(out, shaderDir+"/"))
	}
	return nil
}
