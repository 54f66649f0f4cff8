//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs every package test against the mock backend.
func (Test) All() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the tests including the Vulkan backend. Needs a Vulkan driver.
func (Test) Vulkan() error {
	_, err := executeCmd("go", withArgs("test", "-tags", "vulkan", "./..."), withStream())
	return err
}
