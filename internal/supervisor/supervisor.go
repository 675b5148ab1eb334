// Package supervisor drives the full multi-stage review workflow: intent
// parsing, sandbox setup, parallel worker fan-out, aggregation, formatting,
// and posting, writing a checkpoint after every stage so a crash-restart can
// resume instead of starting over.
package supervisor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"pr-review-automation/internal/aggregator"
	"pr-review-automation/internal/checkpoint"
	"pr-review-automation/internal/domain"
	"pr-review-automation/internal/intent"
	"pr-review-automation/internal/queue"
	"pr-review-automation/internal/sandbox"
	"pr-review-automation/internal/types"
	"pr-review-automation/internal/worker"
)

// DefaultStageBudget is the supervisor's total-per-review timeout, per spec.
const DefaultStageBudget = 600 * time.Second

// KBClient fetches prior-learnings context for a review. Implementations
// call the knowledge-base service; a nil KBClient disables KB enrichment
// and filtering entirely.
type KBClient interface {
	FetchContext(ctx context.Context, req *domain.ReviewRequest) (string, []aggregator.Learning, error)
}

// CloneURLBuilder turns owner/repo into a fetchable git URL. Left as a
// function so the hosting platform's URL scheme isn't hardcoded here.
type CloneURLBuilder func(owner, repo string) string

type Supervisor struct {
	Checkpoints checkpoint.Store
	Sandbox     *sandbox.Manager
	Queue       queue.Queue
	Parser      *worker.ParserWorker
	Review      *worker.ReviewWorker
	TestGen     *worker.TestGenWorker
	Formatter   *worker.CommentFormatterWorker
	KB          KBClient
	CloneURL    CloneURLBuilder
	StageBudget time.Duration
	Log         *slog.Logger
}

func (s *Supervisor) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Supervisor) budget() time.Duration {
	if s.StageBudget > 0 {
		return s.StageBudget
	}
	return DefaultStageBudget
}

// Process runs every stage of req.SessionID's review, in order, writing a
// checkpoint after each. Resuming an existing session skips already-completed
// stages. Returns the final checkpoint; a non-nil error indicates a fatal
// stage failed and the review did not reach posting.
func (s *Supervisor) Process(ctx context.Context, req *domain.ReviewRequest) (*domain.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, s.budget())
	defer cancel()

	sessionID := req.SessionID
	cp, err := s.Checkpoints.Load(ctx, sessionID)
	if err == checkpoint.ErrNotFound {
		cp, err = s.Checkpoints.CreateCheckpoint(ctx, sessionID, queue.DefaultMaxRetries)
	}
	if err != nil {
		return nil, err
	}

	var userIntent domain.UserIntent
	var sandboxSetup sandboxSetupSnapshot
	var parserOutput domain.ParserOutput
	var reviewOutput domain.ReviewOutput
	var testOutput domain.TestOutput
	var kbContext string
	var learnings []aggregator.Learning

	if !cp.IsStepComplete(domain.StepIntentParsing) {
		userIntent = intent.Parse(req)
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepIntentParsing, userIntent); err != nil {
			return nil, err
		}
	} else if err := s.loadSnapshot(cp, domain.StepIntentParsing, &userIntent); err != nil {
		return nil, err
	}

	if s.KB != nil {
		if ctxText, fetched, err := s.KB.FetchContext(ctx, req); err == nil {
			kbContext = ctxText
			learnings = fetched
		} else {
			s.log().Warn("kb context fetch failed, continuing without it", "session_id", sessionID, "error", err)
		}
	}

	if !cp.IsStepComplete(domain.StepSandboxSetup) {
		setup, err := s.setupSandbox(ctx, req)
		if err != nil {
			return nil, types.NewSandboxCreationError(sessionID, err)
		}
		sandboxSetup = setup
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepSandboxSetup, sandboxSetup); err != nil {
			return nil, err
		}
	} else if err := s.loadSnapshot(cp, domain.StepSandboxSetup, &sandboxSetup); err != nil {
		return nil, err
	}
	defer s.Sandbox.KillSandbox(context.Background(), sandboxSetup.SandboxSessionID)
	validLines := sandboxSetup.ValidLines

	if !cp.IsStepComplete(domain.StepParsing) {
		s.hydrateFileContent(ctx, sandboxSetup.SandboxSessionID, req.Files)
		out, err := s.Parser.Run(ctx, req.Files)
		if err != nil {
			return nil, types.NewParserError(sessionID, err)
		}
		parserOutput = out
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepParsing, parserOutput); err != nil {
			return nil, err
		}
	} else if err := s.loadSnapshot(cp, domain.StepParsing, &parserOutput); err != nil {
		return nil, err
	}

	if userIntent.ShouldReview && !cp.IsStepComplete(domain.StepReview) {
		out, err := s.Review.Run(ctx, req.Files, parserOutput, kbContext, &domain.PullRequest{})
		if err != nil {
			s.log().Warn("review worker failed, proceeding with empty review", "session_id", sessionID, "error", err)
			out = domain.ReviewOutput{}
		}
		reviewOutput = out
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepReview, reviewOutput); err != nil {
			return nil, err
		}
	} else if cp.IsStepComplete(domain.StepReview) {
		_ = s.loadSnapshot(cp, domain.StepReview, &reviewOutput)
	}

	if userIntent.ShouldGenerateTests && !cp.IsStepComplete(domain.StepTests) {
		out, err := s.TestGen.Run(ctx, sandboxSetup.SandboxSessionID, req, userIntent)
		if err != nil {
			s.log().Warn("testgen worker failed, omitting tests", "session_id", sessionID, "error", err)
			out = domain.TestOutput{}
		}
		testOutput = out
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepTests, testOutput); err != nil {
			return nil, err
		}
	} else if cp.IsStepComplete(domain.StepTests) {
		_ = s.loadSnapshot(cp, domain.StepTests, &testOutput)
	}

	if !cp.IsStepComplete(domain.StepAggregation) {
		merged := aggregator.Merge(parserOutput, reviewOutput)
		if len(learnings) > 0 {
			kept, _ := aggregator.ApplyKBFilter(merged.Issues, learnings, aggregator.DefaultFilterConfig())
			merged.Issues = kept
		}
		reviewOutput = merged
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepAggregation, reviewOutput); err != nil {
			return nil, err
		}
	} else if err := s.loadSnapshot(cp, domain.StepAggregation, &reviewOutput); err != nil {
		return nil, err
	}

	var formatted domain.FormattedReview
	if !cp.IsStepComplete(domain.StepFormatting) {
		formatted = s.Formatter.Run(ctx, reviewOutput.Issues, validLines)
		if err := s.snapshotAndMark(ctx, sessionID, domain.StepFormatting, formatted); err != nil {
			return nil, err
		}
	} else if err := s.loadSnapshot(cp, domain.StepFormatting, &formatted); err != nil {
		return nil, err
	}

	if !cp.IsStepComplete(domain.StepPosting) {
		payload := map[string]any{
			"session_id":       sessionID,
			"owner":            req.Owner,
			"repo":             req.Repo,
			"pr_number":        req.PRNumber,
			"formatted_review": formatted,
			"test_output":      testOutput,
		}
		if _, err := s.Queue.Submit(ctx, "post_review", payload, domain.PriorityNormal, sessionID, sessionID, queue.DefaultMaxRetries); err != nil {
			return nil, types.NewJobHandlerError("post_review", err)
		}
		if err := s.Checkpoints.MarkStepComplete(ctx, sessionID, domain.StepPosting); err != nil {
			return nil, err
		}
	}

	return s.Checkpoints.Load(ctx, sessionID)
}

// sandboxSetupSnapshot is the StepSandboxSetup checkpoint payload, persisted
// alongside the valid-line sets so a resumed run can find its sandbox again.
type sandboxSetupSnapshot struct {
	SandboxSessionID string
	ValidLines       domain.ValidLines
}

// setupSandbox creates a sandbox session, clones the appropriate branch(es),
// and computes per-file diff-valid line sets. Every return path after a
// successful create either hands the session back to the caller (which
// registers its own kill on exit) or kills it itself; a sandbox is never
// left running because a later step in this function failed.
func (s *Supervisor) setupSandbox(ctx context.Context, req *domain.ReviewRequest) (sandboxSetupSnapshot, error) {
	session, err := s.Sandbox.CreateSandbox(ctx, req.SessionID)
	if err != nil {
		return sandboxSetupSnapshot{}, err
	}
	sessionID := session.SessionID

	cloneURL := req.Owner + "/" + req.Repo
	if s.CloneURL != nil {
		cloneURL = s.CloneURL(req.Owner, req.Repo)
	}

	if req.IsForkPR() {
		forkURL := req.HeadOwner + "/" + req.HeadRepo
		if s.CloneURL != nil {
			forkURL = s.CloneURL(req.HeadOwner, req.HeadRepo)
		}
		if err := s.Sandbox.CloneForkRepo(ctx, sessionID, forkURL, req.Branch); err != nil {
			s.Sandbox.KillSandbox(context.Background(), sessionID)
			return sandboxSetupSnapshot{}, err
		}
		if err := s.Sandbox.CloneRepo(ctx, sessionID, cloneURL, req.BaseBranch); err != nil {
			s.Sandbox.KillSandbox(context.Background(), sessionID)
			return sandboxSetupSnapshot{}, err
		}
	} else if err := s.Sandbox.CloneRepo(ctx, sessionID, cloneURL, req.Branch); err != nil {
		s.Sandbox.KillSandbox(context.Background(), sessionID)
		return sandboxSetupSnapshot{}, err
	}

	return sandboxSetupSnapshot{
		SandboxSessionID: sessionID,
		ValidLines:       worker.BuildValidLines(req.Files),
	}, nil
}

// hydrateFileContent fills in FileInfo.Content for files the caller didn't
// already populate, by reading them back from the sandbox. Missing files
// (deletes, rename targets that don't exist pre-clone) are left empty; the
// parser worker treats an empty Content as nothing to parse.
func (s *Supervisor) hydrateFileContent(ctx context.Context, sessionID string, files []domain.FileInfo) {
	for i := range files {
		if files[i].Content != "" || files[i].IsDeleted {
			continue
		}
		content, err := s.Sandbox.ReadFile(ctx, sessionID, files[i].Path)
		if err != nil {
			continue
		}
		files[i].Content = content
	}
}

func (s *Supervisor) snapshotAndMark(ctx context.Context, sessionID string, step domain.WorkflowStep, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := s.Checkpoints.SnapshotStep(ctx, sessionID, step, b); err != nil {
		return err
	}
	return s.Checkpoints.MarkStepComplete(ctx, sessionID, step)
}

func (s *Supervisor) loadSnapshot(cp *domain.Checkpoint, step domain.WorkflowStep, out any) error {
	b, ok := cp.Snapshots[step]
	if !ok {
		return nil
	}
	return json.Unmarshal(b, out)
}
