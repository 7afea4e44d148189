// Package builtin provides the structured skills compiled into labclaw:
// sandboxed code execution and native statistics over session datasets.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/sandbox"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/workspace"
)

// Executor runs code in the sandbox.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Workspace is the subset of the workspace store the skills touch.
type Workspace interface {
	Put(ctx context.Context, in workspace.ArtifactInput) (workspace.Artifact, error)
	List(ctx context.Context, sessionID string) ([]workspace.Artifact, error)
	Dataset(ctx context.Context, sessionID, name string) ([]byte, error)
	PutDataset(ctx context.Context, sessionID, name string, csv []byte) (workspace.DatasetInfo, error)
	ListDatasets(ctx context.Context, sessionID string) ([]workspace.DatasetInfo, error)
}

// Indexer receives text the skills produce so later turns can cite it.
type Indexer interface {
	Index(ctx context.Context, doc retrieval.Document) error
}

type Deps struct {
	Sandbox   Executor
	Workspace Workspace
	// Index is optional.
	Index  Indexer
	Logger *slog.Logger
}

// Skills returns every built-in skill bound to deps.
func Skills(deps Deps) []skills.Structured {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	var out []skills.Structured
	if deps.Sandbox != nil {
		out = append(out, runPython(deps), runR(deps))
	}
	out = append(out, tTest(deps), describeDataset(deps), listArtifacts(deps))
	return out
}

// Register adds all built-in skills to reg and rebuilds its snapshot.
func Register(ctx context.Context, reg *skills.Registry, deps Deps) error {
	for _, s := range Skills(deps) {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("register %s: %w", s.Name, err)
		}
	}
	return reg.Rebuild(ctx)
}

// decodeArgs maps validated tool arguments onto a typed input struct.
func decodeArgs(args map[string]any, v any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return shared.Wrap(shared.KindInvalidInput, err, "arguments are not valid JSON")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return shared.Wrap(shared.KindInvalidInput, err, "arguments do not match the skill input")
	}
	return nil
}

// callScope returns the session and tool call the orchestrator attached
// to ctx. Artifacts cannot be stored without both.
func callScope(ctx context.Context) (sessionID, toolCallID string, err error) {
	sessionID = shared.SessionID(ctx)
	toolCallID = shared.ToolCallID(ctx)
	if sessionID == "" || toolCallID == "" {
		return "", "", shared.Errorf(shared.KindInternal, "skill invoked outside a tool call")
	}
	return sessionID, toolCallID, nil
}

func loadDataset(ctx context.Context, ws Workspace, sessionID, name string) (sandbox.Dataset, error) {
	if ws == nil {
		return sandbox.Dataset{}, shared.Errorf(shared.KindInternal, "workspace is not configured")
	}
	data, err := ws.Dataset(ctx, sessionID, name)
	if errors.Is(err, workspace.ErrNotFound) {
		return sandbox.Dataset{}, shared.Errorf(shared.KindInvalidInput, "dataset %q has not been uploaded to this session", name)
	}
	if err != nil {
		return sandbox.Dataset{}, shared.Wrap(shared.KindInternal, err, "could not read dataset")
	}
	ds, err := sandbox.ParseCSV(name, data)
	if err != nil {
		return sandbox.Dataset{}, shared.Wrap(shared.KindInvalidInput, err, fmt.Sprintf("dataset %q is not valid CSV", name))
	}
	return ds, nil
}

func columnIndex(ds sandbox.Dataset, column string) (int, error) {
	for i, c := range ds.Columns {
		if c == column {
			return i, nil
		}
	}
	for i, c := range ds.Columns {
		if strings.EqualFold(strings.TrimSpace(c), strings.TrimSpace(column)) {
			return i, nil
		}
	}
	return -1, shared.Errorf(shared.KindInvalidInput, "dataset %q has no column %q (columns: %s)",
		ds.Name, column, strings.Join(ds.Columns, ", "))
}

// datasetSummary is the retrieval text for a dataset.
func datasetSummary(ds sandbox.Dataset) string {
	return fmt.Sprintf("Dataset %s with %d rows. Columns: %s.", ds.Name, len(ds.Rows), strings.Join(ds.Columns, ", "))
}

func indexText(ctx context.Context, deps Deps, doc retrieval.Document) {
	if deps.Index == nil {
		return
	}
	if err := deps.Index.Index(ctx, doc); err != nil {
		deps.Logger.Warn("builtin: index failed", "document_id", doc.ID, "error", err)
	}
}
