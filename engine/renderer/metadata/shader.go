package metadata

/** @brief Shader stages available in the system. */
type ShaderStage uint8

const (
	ShaderStageVertex ShaderStage = 1 << iota
	ShaderStagePixel
	ShaderStageCompute
	ShaderStageAll ShaderStage = ShaderStageVertex | ShaderStagePixel | ShaderStageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case ShaderStageVertex:
		return "vertex"
	case ShaderStagePixel:
		return "pixel"
	case ShaderStageCompute:
		return "compute"
	case ShaderStageAll:
		return "all"
	default:
		return "mixed"
	}
}

// ParseShaderStage maps a stage name ("vertex", "pixel"/"fragment", "compute") to a ShaderStage.
func ParseShaderStage(name string) (ShaderStage, bool) {
	switch name {
	case "vertex", "vert":
		return ShaderStageVertex, true
	case "pixel", "fragment", "frag":
		return ShaderStagePixel, true
	case "compute", "comp":
		return ShaderStageCompute, true
	default:
		return 0, false
	}
}

/**
 * @brief Describes a compiled shader blob. Compilation happens elsewhere;
 * the device only receives the bytes.
 */
type ShaderDesc struct {
	Name       string
	EntryPoint string
	Stage      ShaderStage
}
