//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Compiles the shaders and runs the testbed on the Vulkan backend.
func (Run) Engine() error {
	if err := buildShaders(); err != nil {
		return err
	}
	fmt.Println("Run engine...")
	if _, err := executeCmd("go", withArgs("run", "-tags", "vulkan", ".", "-config", "anima.toml"), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs the testbed headless on the mock backend.
func (Run) Headless() error {
	_, err := executeCmd("go", withArgs("run", ".", "-config", "testbed/headless.toml"), withStream())
	return err
}
