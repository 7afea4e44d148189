package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/sandbox"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
	"github.com/basket/labclaw/internal/workspace"
)

const (
	maxPayloadStream = 8 * 1024
	datasetFolder    = "datasets"
)

var codeSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "code": {"type": "string", "minLength": 1, "description": "Script source."},
    "datasets": {"type": "array", "items": {"type": "string"}, "description": "Uploaded dataset names to stage as inputs/<name>.csv."},
    "output_name": {"type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_\\-]{0,63}$", "description": "Dataset name for output.csv, default 'output'."},
    "timeout_seconds": {"type": "number", "exclusiveMinimum": 0, "maximum": 600}
  },
  "required": ["code"],
  "additionalProperties": false
}`)

// CodeInput is the input of run_python and run_r.
type CodeInput struct {
	Code           string   `json:"code"`
	Datasets       []string `json:"datasets"`
	OutputName     string   `json:"output_name"`
	TimeoutSeconds float64  `json:"timeout_seconds"`
}

// CodeOutput is the payload of run_python and run_r.
type CodeOutput struct {
	Stdout          string          `json:"stdout"`
	Stderr          string          `json:"stderr,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	OutputDataset   *DatasetShape   `json:"output_dataset,omitempty"`
	StdoutTruncated bool            `json:"stdout_truncated,omitempty"`
}

type DatasetShape struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    int      `json:"rows"`
}

func runPython(deps Deps) skills.Structured {
	return skills.Structured{
		Name: "run_python",
		Description: "Run a Python analysis script in an isolated sandbox. Input datasets are staged as " +
			"inputs/<name>.csv; write figures to plots/, reports to reports/, a JSON result to result.json " +
			"and a derived table to output.csv.",
		Capability: skills.CapCodeExec,
		Language:   policy.Python,
		Schema:     codeSchema,
		Handler:    codeHandler(deps, policy.Python),
	}
}

func runR(deps Deps) skills.Structured {
	return skills.Structured{
		Name: "run_r",
		Description: "Run an R analysis script in an isolated sandbox with the same file layout as run_python " +
			"(inputs/, plots/, reports/, result.json, output.csv).",
		Capability: skills.CapCodeExec,
		Language:   policy.R,
		Schema:     codeSchema,
		Handler:    codeHandler(deps, policy.R),
	}
}

func codeHandler(deps Deps, lang policy.Language) skills.Handler {
	return func(ctx context.Context, args map[string]any) (skills.Output, error) {
		var in CodeInput
		if err := decodeArgs(args, &in); err != nil {
			return skills.Output{}, err
		}
		sessionID, toolCallID, err := callScope(ctx)
		if err != nil {
			return skills.Output{}, err
		}

		req := sandbox.Request{Language: lang, Code: in.Code}
		if in.TimeoutSeconds > 0 {
			req.Timeout = time.Duration(in.TimeoutSeconds * float64(time.Second))
		}
		for _, name := range in.Datasets {
			ds, err := loadDataset(ctx, deps.Workspace, sessionID, name)
			if err != nil {
				return skills.Output{}, err
			}
			req.Inputs = append(req.Inputs, ds)
		}

		res, execErr := deps.Sandbox.Execute(ctx, req)
		out := skills.Output{Meta: metaFor(lang, res)}
		if res == nil {
			return out, execErr
		}

		// Files the script wrote before failing are kept.
		refs, storeErr := storeFiles(ctx, deps, sessionID, toolCallID, res.Files)
		out.Artifacts = refs

		payload := CodeOutput{
			Stdout: clip(res.Stdout, maxPayloadStream),
			Stderr: clip(res.Stderr, maxPayloadStream),
			Result: res.Structured,
		}
		payload.StdoutTruncated = len(payload.Stdout) < len(res.Stdout)

		if execErr == nil && res.OutputDataset != nil {
			name := in.OutputName
			if name == "" {
				name = "output"
			}
			ref, shape, err := storeOutputDataset(ctx, deps, sessionID, toolCallID, name, *res.OutputDataset)
			if err != nil {
				storeErr = errors.Join(storeErr, err)
			} else {
				out.Artifacts = append(out.Artifacts, ref)
				payload.OutputDataset = &shape
			}
		}
		out.Payload = payload

		if execErr != nil {
			return out, execErr
		}
		if storeErr != nil {
			return out, shared.Wrap(shared.KindInternal, storeErr, "could not store produced files")
		}
		return out, nil
	}
}

func metaFor(lang policy.Language, res *sandbox.Result) skills.ExecMeta {
	meta := skills.ExecMeta{Language: lang}
	if res == nil {
		return meta
	}
	meta.Duration = res.Duration
	decision := res.Decision
	meta.Decision = &decision
	if res.ExitCode >= 0 {
		code := res.ExitCode
		meta.ExitCode = &code
	}
	return meta
}

func storeFiles(ctx context.Context, deps Deps, sessionID, toolCallID string, files []sandbox.File) ([]skills.ArtifactRef, error) {
	var refs []skills.ArtifactRef
	var errs []error
	for _, f := range files {
		a, err := deps.Workspace.Put(ctx, workspace.ArtifactInput{
			SessionID:  sessionID,
			Name:       f.Name,
			Folder:     f.Folder,
			MIME:       f.MIME,
			ToolCallID: toolCallID,
			Content:    f.Content,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", f.Folder, f.Name, err))
			continue
		}
		refs = append(refs, refOf(a))
		if isText(f.MIME) && utf8.Valid(f.Content) {
			indexText(ctx, deps, retrieval.Document{
				ID:        "artifact:" + a.ID,
				Title:     f.Name,
				Text:      string(f.Content),
				Source:    f.Folder + "/" + f.Name,
				SessionID: sessionID,
			})
		}
	}
	return refs, errors.Join(errs...)
}

func storeOutputDataset(ctx context.Context, deps Deps, sessionID, toolCallID, name string, ds sandbox.Dataset) (skills.ArtifactRef, DatasetShape, error) {
	ds.Name = name
	csv, err := ds.CSV()
	if err != nil {
		return skills.ArtifactRef{}, DatasetShape{}, fmt.Errorf("encode output dataset: %w", err)
	}
	a, err := deps.Workspace.Put(ctx, workspace.ArtifactInput{
		SessionID:  sessionID,
		Name:       name + ".csv",
		Folder:     datasetFolder,
		MIME:       "text/csv",
		ToolCallID: toolCallID,
		Content:    csv,
	})
	if err != nil {
		return skills.ArtifactRef{}, DatasetShape{}, fmt.Errorf("store output dataset: %w", err)
	}
	// Derived tables become inputs for later calls.
	if _, err := deps.Workspace.PutDataset(ctx, sessionID, name, csv); err != nil {
		return skills.ArtifactRef{}, DatasetShape{}, fmt.Errorf("register output dataset: %w", err)
	}
	indexText(ctx, deps, retrieval.Document{
		ID:        "dataset:" + sessionID + ":" + name,
		Title:     name,
		Text:      datasetSummary(ds),
		Source:    "dataset:" + name,
		SessionID: sessionID,
	})
	return refOf(a), DatasetShape{Name: name, Columns: ds.Columns, Rows: len(ds.Rows)}, nil
}

func refOf(a workspace.Artifact) skills.ArtifactRef {
	return skills.ArtifactRef{ID: a.ID, Name: a.Name, Folder: a.Folder, MIME: a.MIME, Version: a.Version}
}

func isText(mime string) bool {
	return strings.HasPrefix(mime, "text/") || mime == "application/json"
}

// clip truncates s to n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for !utf8.ValidString(cut) && len(cut) > 0 {
		cut = cut[:len(cut)-1]
	}
	return cut
}
