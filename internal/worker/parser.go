package worker

import (
	"context"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"pr-review-automation/internal/domain"
)

// Hotspot thresholds, per spec: complexity > 15 -> critical, > 10 -> warning;
// parameter count > 5 -> warning; function line span > 50 -> warning.
const (
	complexityCritical = 15
	complexityWarning  = 10
	maxParamsWarning   = 5
	maxFuncSpanWarning = 50
)

// funcSignaturePattern recognizes function/method declarations across the
// common C-family/Go/Python/JS shapes well enough for heuristic hotspot
// detection; this worker makes no LLM calls, per spec.
var funcSignaturePattern = regexp.MustCompile(`(?m)^\s*(?:func|def|function)\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)`)

// decisionKeywordPattern approximates cyclomatic complexity by counting
// branch/loop keywords and boolean operators within a function body.
var decisionKeywordPattern = regexp.MustCompile(`\b(if|for|while|case|elif|except|catch)\b|&&|\|\|`)

// ParserWorker extracts per-file metadata and complexity/size hotspots. It
// never calls an LLM; file parsing is independent per file and runs across a
// bounded worker pool using golang.org/x/sync/errgroup.SetLimit.
type ParserWorker struct {
	PoolSize int
}

func NewParserWorker() *ParserWorker {
	return &ParserWorker{PoolSize: runtime.NumCPU()}
}

func (w *ParserWorker) Run(ctx context.Context, files []domain.FileInfo) (domain.ParserOutput, error) {
	out := domain.ParserOutput{}
	if len(files) == 0 {
		return out, nil
	}

	metas := make([]domain.FileMeta, len(files))
	hotspots := make([][]domain.Hotspot, len(files))
	errs := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	limit := w.PoolSize
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			meta, hs, perr := parseFile(f)
			metas[i] = meta
			hotspots[i] = hs
			if perr != nil {
				errs[i] = perr.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}

	out.Files = metas
	for _, hs := range hotspots {
		out.Hotspots = append(out.Hotspots, hs...)
	}
	for i, e := range errs {
		if e != "" {
			out.Errors = append(out.Errors, files[i].Path+": "+e)
		}
	}

	sort.Slice(out.Hotspots, func(i, j int) bool {
		if out.Hotspots[i].File != out.Hotspots[j].File {
			return out.Hotspots[i].File < out.Hotspots[j].File
		}
		return out.Hotspots[i].Line < out.Hotspots[j].Line
	})

	return out, nil
}

func parseFile(f domain.FileInfo) (domain.FileMeta, []domain.Hotspot, error) {
	meta := domain.FileMeta{Path: f.Path, Language: f.Language}
	if f.IsDeleted || f.Content == "" {
		return meta, nil, nil
	}

	var hotspots []domain.Hotspot
	matches := funcSignaturePattern.FindAllStringSubmatchIndex(f.Content, -1)

	for mi, m := range matches {
		name := f.Content[m[2]:m[3]]
		params := f.Content[m[4]:m[5]]
		meta.Symbols = append(meta.Symbols, name)

		startLine := strings.Count(f.Content[:m[0]], "\n") + 1
		endOffset := len(f.Content)
		if mi+1 < len(matches) {
			endOffset = matches[mi+1][0]
		}
		endLine := strings.Count(f.Content[:endOffset], "\n") + 1
		body := f.Content[m[1]:endOffset]

		if span := endLine - startLine; span > maxFuncSpanWarning {
			hotspots = append(hotspots, domain.Hotspot{
				File: f.Path, Line: startLine, Kind: "function_length",
				Severity: "warning", Detail: "function spans more lines than recommended",
			})
		}

		paramCount := countParams(params)
		if paramCount > maxParamsWarning {
			hotspots = append(hotspots, domain.Hotspot{
				File: f.Path, Line: startLine, Kind: "parameter_count",
				Severity: "warning", Detail: "function takes more parameters than recommended",
			})
		}

		complexity := 1 + len(decisionKeywordPattern.FindAllString(body, -1))
		switch {
		case complexity > complexityCritical:
			hotspots = append(hotspots, domain.Hotspot{
				File: f.Path, Line: startLine, Kind: "complexity",
				Severity: "critical", Detail: "cyclomatic complexity exceeds the critical threshold",
			})
		case complexity > complexityWarning:
			hotspots = append(hotspots, domain.Hotspot{
				File: f.Path, Line: startLine, Kind: "complexity",
				Severity: "warning", Detail: "cyclomatic complexity exceeds the warning threshold",
			})
		}
	}

	return meta, hotspots, nil
}

func countParams(sig string) int {
	sig = strings.TrimSpace(sig)
	if sig == "" {
		return 0
	}
	return len(strings.Split(sig, ","))
}
