package assets

import "github.com/spaghettifunk/anima-rhi/engine/assets/loaders"

type Loader interface {
	Load(path string) (*loaders.ShaderSource, error)
}
