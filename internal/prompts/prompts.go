// Package prompts holds the LLM prompt templates used across the pipeline.
// Templates are embedded at build time and rendered with text/template.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tmpl
var files embed.FS

// Template names, matching the embedded file basenames.
const (
	IntentSystem   = "intent_system"
	DecomposeSteps = "decompose_steps"
	Summarize      = "summarize"
)

var registry = template.Must(template.ParseFS(files, "*.tmpl"))

// HistoryLine is one conversation turn injected into the intent prompt.
type HistoryLine struct {
	Role string
	Text string
}

// IntentData feeds the intent extraction system prompt.
type IntentData struct {
	CurrentTime    string
	Timezone       string
	ActiveGoals    []string
	UpcomingEvents []string
	History        []HistoryLine
	DialogState    string
	StateContext   string
}

// DecomposeData feeds the goal decomposition prompt.
type DecomposeData struct {
	GoalTitle      string
	Description    string
	UserLevel      string
	TimeCommitment string
}

// SummarizeData feeds the response summarization prompt.
type SummarizeData struct {
	CoreResultJSON string
}

// Render executes the named template against data.
func Render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := registry.ExecuteTemplate(&sb, name+".tmpl", data); err != nil {
		return "", fmt.Errorf("failed to render prompt %s: %w", name, err)
	}
	return sb.String(), nil
}
