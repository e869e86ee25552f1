package playground

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
)

//go:embed programs/scratch.star
var scratchSource string

//go:embed programs/workflow.star
var workflowSource string

// Preset is the static description of one playground: its default program
// and the strings the view shows around it.
type Preset struct {
	Name         string
	Title        string
	Badge        string
	ReadyMessage string
	RunLabel     string
	ResetPrompt  string
	Source       string
}

var presets = []Preset{
	{
		Name:         "scratch",
		Title:        "Python Playground",
		Badge:        "from scratch",
		ReadyMessage: "Ready! Click 'Run' to train the model.",
		RunLabel:     "▶ Run Code",
		ResetPrompt:  "Reset code to default example?",
		Source:       scratchSource,
	},
	{
		Name:         "workflow",
		Title:        "Scikit-learn Style Workflow",
		Badge:        "sklearn-style",
		ReadyMessage: "Ready! Click 'Run' to execute sklearn workflow.",
		RunLabel:     "▶ Run sklearn Workflow",
		ResetPrompt:  "Reset code to sklearn example?",
		Source:       workflowSource,
	},
}

// Presets returns the built-in playgrounds in page order.
func Presets() []Preset {
	return slices.Clone(presets)
}

// Lookup finds a preset by name.
func Lookup(name string) (Preset, error) {
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("unknown playground %q (available: %s)", name, strings.Join(Names(), ", "))
}

func Names() []string {
	names := make([]string, len(presets))
	for i, p := range presets {
		names[i] = p.Name
	}
	return names
}
