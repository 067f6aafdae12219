package validate

import "github.com/toolgate/toolgate/pkg/models"

// Per-tool free-text ceilings, in runes.
const (
	MaxArtifactPromptLen = 10000
	MaxImagePromptLen    = 2000
	MaxSearchQueryLen    = 500
)

// toolSchemas is the static registry of tools the gateway will execute.
// The same specs are served to the LLM-facing layer so the model is
// prompted with exactly what the validator enforces.
var toolSchemas = map[string]models.ToolSchema{
	"artifact": {
		Name:        "artifact",
		Description: "Generate an interactive UI artifact from a natural-language prompt.",
		Parameters: map[string]models.ParamSpec{
			"type": {
				Type:        "string",
				Description: "Kind of artifact to generate.",
				Enum:        []string{"react", "html", "svg"},
			},
			"prompt": {
				Type:        "string",
				Description: "What the artifact should do.",
				MaxLength:   MaxArtifactPromptLen,
			},
		},
		Required: []string{"type", "prompt"},
	},
	"image": {
		Name:        "image",
		Description: "Generate an image from a natural-language prompt.",
		Parameters: map[string]models.ParamSpec{
			"prompt": {
				Type:        "string",
				Description: "What the image should depict.",
				MaxLength:   MaxImagePromptLen,
			},
			"aspectRatio": {
				Type:        "string",
				Description: "Output aspect ratio.",
				Enum:        []string{"1:1", "16:9", "9:16", "4:3"},
			},
		},
		Required: []string{"prompt"},
	},
	"search": {
		Name:        "search",
		Description: "Search the web for supporting context.",
		Parameters: map[string]models.ParamSpec{
			"query": {
				Type:        "string",
				Description: "Search query.",
				MaxLength:   MaxSearchQueryLen,
			},
		},
		Required: []string{"query"},
	},
}

// Schemas returns the declared tool schemas, for the LLM-facing layer.
func Schemas() []models.ToolSchema {
	out := make([]models.ToolSchema, 0, len(toolSchemas))
	for _, s := range toolSchemas {
		out = append(out, s)
	}
	return out
}

// Schema returns the schema for one tool, if declared.
func Schema(toolName string) (models.ToolSchema, bool) {
	s, ok := toolSchemas[toolName]
	return s, ok
}
