package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/llm"
	"pr-review-automation/internal/sandbox"
	"pr-review-automation/internal/types"
)

// TestGenWorker generates test files for the targets named in a UserIntent.
// It only runs when the supervisor has already confirmed
// UserIntent.ShouldGenerateTests is true: this worker itself performs no
// intent inference, preserving the "never auto-invoke" safety invariant at
// the call-site boundary instead of duplicating it here.
type TestGenWorker struct {
	Client       llm.Client
	SystemPrompt string
	Sandbox      *sandbox.Manager
}

func NewTestGenWorker(client llm.Client, systemPrompt string, sb *sandbox.Manager) *TestGenWorker {
	return &TestGenWorker{Client: client, SystemPrompt: systemPrompt, Sandbox: sb}
}

type rawTestFile struct {
	TargetPath string `json:"target_path"`
	Content    string `json:"content"`
}

type rawTestResponse struct {
	Files []rawTestFile `json:"files"`
}

// detectFramework inspects the sandbox's top-level files to guess which test
// framework the prompt should target.
func (w *TestGenWorker) detectFramework(ctx context.Context, sessionID string) string {
	if w.Sandbox == nil {
		return "unknown"
	}
	files, err := w.Sandbox.ListFiles(ctx, sessionID, ".")
	if err != nil {
		return "unknown"
	}
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f] = true
	}
	switch {
	case set["go.mod"]:
		return "go test"
	case set["package.json"]:
		return "jest"
	case set["requirements.txt"] || set["pytest.ini"] || set["pyproject.toml"]:
		return "pytest"
	case set["pom.xml"] || set["build.gradle"]:
		return "junit"
	default:
		return "unknown"
	}
}

func (w *TestGenWorker) Run(ctx context.Context, sessionID string, req *domain.ReviewRequest, userIntent domain.UserIntent) (domain.TestOutput, error) {
	if !userIntent.ShouldGenerateTests {
		return domain.TestOutput{}, nil
	}
	if w.Client == nil {
		return domain.TestOutput{}, types.NewLLMError("testgen", fmt.Errorf("no llm client configured"))
	}

	framework := w.detectFramework(ctx, sessionID)
	prompt := w.buildPrompt(framework, req, userIntent)

	raw, err := w.Client.SimpleTextQuery(ctx, w.SystemPrompt, prompt)
	if err != nil {
		return domain.TestOutput{}, types.NewLLMError("testgen", err)
	}

	cleaned := types.CleanJSONFromMarkdown(raw)
	var parsed rawTestResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return domain.TestOutput{}, types.NewLLMError("testgen: parse response", err)
	}

	out := domain.TestOutput{}
	for _, f := range parsed.Files {
		if f.TargetPath == "" || f.Content == "" {
			continue
		}
		out.Files = append(out.Files, domain.TestFile{TargetPath: f.TargetPath, Content: f.Content})
	}
	return out, nil
}

func (w *TestGenWorker) buildPrompt(framework string, req *domain.ReviewRequest, userIntent domain.UserIntent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test framework: %s\n\n", framework)
	b.WriteString("Targets:\n")
	for _, t := range userIntent.TestTargets {
		fmt.Fprintf(&b, "- %s\n", t)
	}
	b.WriteString("\nFiles under review:\n")
	for _, f := range req.Files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Diff)
	}
	b.WriteString("\nRespond with JSON: {\"files\": [{\"target_path\":...,\"content\":...}]}")
	return b.String()
}
