package worker

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"pr-review-automation/internal/domain"
)

func TestParserWorkerDetectsComplexityHotspot(t *testing.T) {
	var body strings.Builder
	for i := 0; i < complexityCritical+2; i++ {
		fmt.Fprintf(&body, "\tif x == %d {\n\t\tdoSomething()\n\t}\n", i)
	}
	content := "func Complicated(a int) {\n" + body.String() + "}\n"

	w := NewParserWorker()
	out, err := w.Run(context.Background(), []domain.FileInfo{{Path: "f.go", Content: content, Language: "go"}})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, h := range out.Hotspots {
		if h.Kind == "complexity" && h.Severity == "critical" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a critical complexity hotspot, got %+v", out.Hotspots)
	}
}

func TestParserWorkerDetectsParamCountHotspot(t *testing.T) {
	content := "func ManyParams(a, b, c, d, e, f int) {\n\treturn\n}\n"
	w := NewParserWorker()
	out, err := w.Run(context.Background(), []domain.FileInfo{{Path: "f.go", Content: content}})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, h := range out.Hotspots {
		if h.Kind == "parameter_count" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a parameter_count hotspot, got %+v", out.Hotspots)
	}
}

func TestParserWorkerSkipsDeletedFiles(t *testing.T) {
	w := NewParserWorker()
	out, err := w.Run(context.Background(), []domain.FileInfo{{Path: "gone.go", IsDeleted: true, Content: "func F() {}"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Hotspots) != 0 {
		t.Fatalf("expected no hotspots for a deleted file, got %+v", out.Hotspots)
	}
}

func TestParserWorkerRunsConcurrentlyWithoutDataRace(t *testing.T) {
	files := make([]domain.FileInfo, 0, 20)
	for i := 0; i < 20; i++ {
		files = append(files, domain.FileInfo{Path: fmt.Sprintf("f%d.go", i), Content: "func F() {}\n"})
	}
	w := NewParserWorker()
	out, err := w.Run(context.Background(), files)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Files) != 20 {
		t.Fatalf("expected metadata for all 20 files, got %d", len(out.Files))
	}
}
