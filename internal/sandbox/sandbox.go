// Package sandbox runs analysis code in a freshly spawned interpreter per
// call. Data moves between the parent and the child only through the
// child's working directory and its stdout/stderr streams.
package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/labclaw/internal/policy"
)

// Request is one execute(language, code, input_datasets) call.
type Request struct {
	Language policy.Language
	Code     string
	Inputs   []Dataset
	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// File is a plot or report the child left in plots/ or reports/.
type File struct {
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	MIME    string `json:"mime"`
	Content []byte `json:"-"`
}

// Result is the normalised envelope of one execution.
type Result struct {
	Language      policy.Language `json:"language"`
	Stdout        string          `json:"stdout"`
	Stderr        string          `json:"stderr"`
	Structured    json.RawMessage `json:"structured,omitempty"`
	Files         []File          `json:"files,omitempty"`
	OutputDataset *Dataset        `json:"output_dataset,omitempty"`
	ExitCode      int             `json:"exit_code"`
	Duration      time.Duration   `json:"duration"`
	Decision      policy.Decision `json:"decision"`
}

// Spec describes the child process a Runner must start.
type Spec struct {
	Language    policy.Language
	Interpreter string
	Args        []string
	WorkDir     string
	Env         []string
	// MaxOutput caps captured stdout and stderr separately.
	MaxOutput int
}

// Outcome is what a Runner observed about the child.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	PID      int
}

// Runner starts exactly one child per Run call and must not return until
// that child has exited or been killed. When ctx is done the child and its
// descendants are killed and Run returns ctx.Err().
type Runner interface {
	Run(ctx context.Context, spec Spec) (Outcome, error)
	// Probe reports the interpreter version, or an error when it is missing.
	Probe(ctx context.Context, lang policy.Language, interpreter string) (string, error)
}
