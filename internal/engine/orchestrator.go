package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/labclaw/internal/audit"
	"github.com/basket/labclaw/internal/events"
	otelpkg "github.com/basket/labclaw/internal/otel"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/pricing"
	"github.com/basket/labclaw/internal/retrieval"
	"github.com/basket/labclaw/internal/shared"
	"github.com/basket/labclaw/internal/skills"
)

const (
	defaultMaxIterations    = 8
	defaultMaxModelRetries  = 3
	defaultRetryInitial     = 500 * time.Millisecond
	defaultRetryMax         = 8 * time.Second
	defaultModelTimeout     = 120 * time.Second
	defaultToolTimeout      = 10 * time.Minute
	defaultRetrievalTimeout = 3 * time.Second
	defaultRetrievalK       = 4
	defaultFinalizeTimeout  = 10 * time.Second

	// toolGrace is how long an expired tool call may take to honour
	// cancellation before its result is abandoned.
	toolGrace = 2 * time.Second
)

const defaultSystemPrompt = `You are labclaw, a research assistant for data analysis.
Use the available skills for every computation and report the numbers they return; never estimate a statistic yourself.
Name the artifacts you produced so the user can find them.`

// Config bounds a turn.
type Config struct {
	SystemPrompt  string
	MaxIterations int
	// MaxModelRetries is the total number of attempts per model call.
	MaxModelRetries  int
	RetryInitial     time.Duration
	RetryMax         time.Duration
	ModelTimeout     time.Duration
	ToolTimeout      time.Duration
	RetrievalTimeout time.Duration
	RetrievalK       int
	// ModelName is recorded on spans and prices usage.
	ModelName string
}

func (c *Config) setDefaults() {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MaxModelRetries <= 0 {
		c.MaxModelRetries = defaultMaxModelRetries
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = defaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = defaultModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = defaultToolTimeout
	}
	if c.RetrievalTimeout <= 0 {
		c.RetrievalTimeout = defaultRetrievalTimeout
	}
	if c.RetrievalK <= 0 {
		c.RetrievalK = defaultRetrievalK
	}
}

// Dispatcher is the skill registry as seen by the orchestrator.
type Dispatcher interface {
	List() *skills.Snapshot
	Dispatch(ctx context.Context, name string, args map[string]any) (skills.Output, error)
}

// Retriever supplies citations for a user message.
type Retriever interface {
	SearchSession(ctx context.Context, sessionID, query string, k int) ([]retrieval.Citation, error)
}

type Deps struct {
	Store  *persistence.Store
	Model  Model
	Skills Dispatcher
	Events events.Emitter
	// Retriever is optional.
	Retriever Retriever
	Metrics   *otelpkg.Metrics
	Logger    *slog.Logger
}

// Orchestrator drives a turn from the user message to a terminal event.
// Every step is persisted before the matching event is emitted.
type Orchestrator struct {
	store     *persistence.Store
	model     Model
	skills    Dispatcher
	events    events.Emitter
	retriever Retriever
	metrics   *otelpkg.Metrics
	logger    *slog.Logger
	cfg       Config
}

func NewOrchestrator(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Model == nil || deps.Skills == nil || deps.Events == nil {
		return nil, errors.New("orchestrator requires store, model, skills and events")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.setDefaults()
	return &Orchestrator{
		store:     deps.Store,
		model:     deps.Model,
		skills:    deps.Skills,
		events:    deps.Events,
		retriever: deps.Retriever,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		cfg:       cfg,
	}, nil
}

// TurnOutcome summarizes a finished turn.
type TurnOutcome struct {
	TurnID     string                 `json:"turn_id"`
	Status     persistence.TurnStatus `json:"status"`
	Kind       shared.Kind            `json:"kind,omitempty"`
	Iterations int                    `json:"iterations"`
	Text       string                 `json:"text,omitempty"`
	ToolCalls  int                    `json:"tool_calls"`
}

// Advance runs one turn. It returns an error without an outcome only when
// the turn could not be opened (unknown session or a turn already
// running); a turn that ends in error returns its outcome together with
// the classified error.
func (o *Orchestrator) Advance(ctx context.Context, sessionID, userMessage string) (TurnOutcome, error) {
	return o.advance(ctx, sessionID, userMessage, nil)
}

// advance opens the turn before prepare runs, so a cancel that lands
// during prepare still ends a recorded turn with a terminal event.
func (o *Orchestrator) advance(ctx context.Context, sessionID, userMessage string, prepare func(context.Context)) (TurnOutcome, error) {
	if strings.TrimSpace(userMessage) == "" {
		return TurnOutcome{}, shared.Errorf(shared.KindInvalidInput, "message is empty")
	}
	turn, err := o.store.BeginTurn(context.WithoutCancel(ctx), sessionID, userMessage)
	if err != nil {
		o.emitSessionError(ctx, sessionID, err)
		return TurnOutcome{}, err
	}
	ctx = shared.WithSessionID(ctx, sessionID)
	ctx = shared.WithTurnID(ctx, turn.ID)
	ctx, span := otelpkg.StartSpan(ctx, "engine.turn",
		otelpkg.AttrSessionID.String(sessionID),
		otelpkg.AttrTurnID.String(turn.ID),
		otelpkg.AttrModel.String(o.cfg.ModelName),
	)
	defer span.End()

	started := time.Now()
	r := &turnRun{o: o, sessionID: sessionID, turnID: turn.ID}
	o.logger.Info("engine: turn started", "session_id", sessionID, "turn_id", turn.ID, "trace_id", shared.TraceID(ctx))

	if prepare != nil {
		prepare(ctx)
	}
	text, kind, runErr := r.run(ctx, userMessage)
	out := r.finish(ctx, text, kind, runErr)

	o.metrics.RecordTurn(ctx, string(out.Status), time.Since(started))
	if runErr != nil {
		span.RecordError(runErr)
		o.logger.Warn("engine: turn failed", "session_id", sessionID, "turn_id", turn.ID,
			"kind", out.Kind, "error", runErr)
		return out, runErr
	}
	o.logger.Info("engine: turn done", "session_id", sessionID, "turn_id", turn.ID,
		"iterations", out.Iterations, "tool_calls", out.ToolCalls, "kind", out.Kind,
		"duration_ms", time.Since(started).Milliseconds())
	return out, nil
}

// turnRun is the mutable state of one Advance call.
type turnRun struct {
	o         *Orchestrator
	sessionID string
	turnID    string

	iteration int
	toolCalls int
}

var errStreamStalled = errors.New("event stream stalled")

// run executes the model/tool loop. A non-empty kind with a nil error is a
// done turn carrying a reason (loop budget).
func (r *turnRun) run(ctx context.Context, userMessage string) (string, shared.Kind, error) {
	o := r.o
	if err := ctx.Err(); err != nil {
		return "", "", cancelled(err)
	}
	records, err := o.store.History(ctx, r.sessionID)
	if err != nil {
		return "", "", shared.Wrap(shared.KindInternal, err, "could not load session history")
	}
	sess, err := o.store.GetSession(ctx, r.sessionID)
	if err != nil {
		return "", "", shared.Wrap(shared.KindInternal, err, "could not load session")
	}
	history := historyMessages(records, r.turnID)
	history = append(history, Message{Role: RoleUser, Text: userMessage})

	citations, err := r.retrieve(ctx, userMessage)
	if err != nil {
		return "", "", err
	}

	for r.iteration < o.cfg.MaxIterations {
		if err := ctx.Err(); err != nil {
			return "", "", cancelled(err)
		}
		r.iteration++
		if err := r.emit(ctx, events.TypeIterationStart, "", IterationData{Iteration: r.iteration}); err != nil {
			return "", "", err
		}

		snap := o.skills.List()
		req := ModelRequest{
			System:  buildSystemPrompt(o.cfg.SystemPrompt, skills.Manifest(snap), sess.Summary, citations),
			History: history,
			Tools:   toolSpecs(skills.Tools(snap)),
		}
		resp, err := r.generate(ctx, req)
		if err != nil {
			return "", "", err
		}
		usage := persistence.Usage{
			PromptTokens:     int64(max(resp.Usage.PromptTokens, 0)),
			CompletionTokens: int64(max(resp.Usage.CompletionTokens, 0)),
		}
		usage.CostMicros = pricing.CostMicros(o.cfg.ModelName, usage.PromptTokens, usage.CompletionTokens)
		if err := o.store.AddUsage(ctx, r.sessionID, usage); err != nil {
			o.logger.Warn("engine: usage not recorded", "session_id", r.sessionID, "error", err)
		}

		if resp.Text != "" {
			if err := r.appendText(ctx, resp.Text); err != nil {
				return "", "", err
			}
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Text, "", nil
		}

		calls := make([]ToolCall, len(resp.ToolCalls))
		for i, c := range resp.ToolCalls {
			calls[i] = ToolCall{ID: shared.NewID(), Name: c.Name, Args: c.Args}
			if calls[i].Args == nil {
				calls[i].Args = map[string]any{}
			}
		}
		history = append(history, Message{Role: RoleModel, Text: resp.Text, ToolCalls: calls})

		results := make([]ToolResponse, 0, len(calls))
		for i, call := range calls {
			res, err := r.dispatch(ctx, call)
			if err != nil {
				return "", "", err
			}
			results = append(results, ToolResponse{CallID: call.ID, Name: call.Name, Output: res})
			if err := r.emit(ctx, events.TypePlanProgress, "", ProgressData{
				Iteration: r.iteration, Completed: i + 1, Requested: len(calls),
			}); err != nil {
				return "", "", err
			}
			if err := ctx.Err(); err != nil {
				return "", "", cancelled(err)
			}
		}
		history = append(history, Message{Role: RoleTool, Results: results})
	}

	text := fmt.Sprintf("Stopped after %d iterations without a final answer.", o.cfg.MaxIterations)
	if err := r.appendText(ctx, text); err != nil {
		return "", "", err
	}
	return text, shared.KindLoopBudgetExceeded, nil
}

// retrieve looks up citations and records them when there are any. Lookup
// failures only cost the turn its context.
func (r *turnRun) retrieve(ctx context.Context, query string) ([]retrieval.Citation, error) {
	o := r.o
	if o.retriever == nil {
		return nil, nil
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RetrievalTimeout)
	citations, err := o.retriever.SearchSession(rctx, r.sessionID, query, o.cfg.RetrievalK)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		o.logger.Warn("engine: retrieval failed", "session_id", r.sessionID, "turn_id", r.turnID, "error", err)
		return nil, nil
	}
	if len(citations) == 0 {
		return nil, nil
	}
	data := RetrievalData{Query: query, Citations: citations}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, shared.Wrap(shared.KindInternal, err, "could not encode citations")
	}
	if _, err := r.appendStep(ctx, persistence.Step{Kind: persistence.StepRetrieval, Payload: payload}); err != nil {
		return nil, err
	}
	if err := r.emit(ctx, events.TypeRetrieval, "", data); err != nil {
		return nil, err
	}
	return citations, nil
}

// generate calls the model with exponential backoff. Cancellation and
// non-retryable classes stop immediately.
func (r *turnRun) generate(ctx context.Context, req ModelRequest) (*ModelResponse, error) {
	o := r.o
	ctx, span := otelpkg.StartClientSpan(ctx, "engine.model",
		otelpkg.AttrIteration.Int(r.iteration),
		otelpkg.AttrModel.String(o.cfg.ModelName),
	)
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitial
	b.MaxInterval = o.cfg.RetryMax

	start := time.Now()
	attempts := 0
	resp, err := backoff.Retry(ctx, func() (*ModelResponse, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()
		resp, err := o.model.Generate(callCtx, req)
		if err == nil {
			if resp == nil {
				return nil, backoff.Permanent(errors.New("model returned no response"))
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !ClassifyError(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(o.cfg.MaxModelRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.logger.Warn("engine: model call failed, retrying",
				"session_id", r.sessionID, "turn_id", r.turnID, "class", ClassifyError(err),
				"retry_in", next.String(), "error", shared.Redact(err.Error()))
		}),
	)
	o.metrics.RecordModelCall(ctx, time.Since(start), max(attempts-1, 0))
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, shared.Wrap(shared.KindModelTransport, err,
			fmt.Sprintf("the model provider failed after %d attempt(s) (%s)", attempts, strings.ToLower(string(ClassifyError(err)))))
	}
	return resp, nil
}

// dispatch runs one tool call end to end: persist and emit the call,
// invoke the skill under ToolTimeout, persist and emit the result. Skill
// failures become error results; only persistence or stream failures and
// cancellation are returned as errors.
func (r *turnRun) dispatch(ctx context.Context, call ToolCall) (ToolResult, error) {
	o := r.o
	args, err := json.Marshal(call.Args)
	if err != nil {
		return ToolResult{}, shared.Wrap(shared.KindInternal, err, "could not encode tool arguments")
	}
	if _, err := r.appendStep(ctx, persistence.Step{
		Kind: persistence.StepToolCall, ToolCallID: call.ID, Skill: call.Name, Args: args,
	}); err != nil {
		return ToolResult{}, err
	}
	if err := r.emit(ctx, events.TypeToolCall, call.ID, ToolCallData{
		Iteration: r.iteration, ToolCallID: call.ID, Skill: call.Name, Args: call.Args,
	}); err != nil {
		return ToolResult{}, err
	}
	r.toolCalls++

	callCtx := shared.WithToolCallID(ctx, call.ID)
	callCtx, span := otelpkg.StartSpan(callCtx, "engine.tool",
		otelpkg.AttrToolCallID.String(call.ID),
		otelpkg.AttrSkillName.String(call.Name),
		otelpkg.AttrIteration.Int(r.iteration),
	)
	start := time.Now()
	out, callErr := r.invoke(callCtx, call)
	elapsed := time.Since(start)
	span.End()

	res := ToolResult{
		ToolCallID: call.ID,
		Skill:      call.Name,
		Status:     StatusOK,
		Payload:    out.Payload,
		Artifacts:  out.Artifacts,
		Meta:       out.Meta,
	}
	if res.Meta.Duration == 0 {
		res.Meta.Duration = elapsed
	}
	rule := ""
	if callErr != nil {
		res.Status = StatusError
		res.Error = &ToolError{Kind: shared.KindOf(callErr), Message: shared.UserMessage(callErr)}
		var se *shared.Error
		if errors.As(callErr, &se) {
			res.Error.Rule = se.Rule
			rule = se.Rule
		}
		o.logger.Warn("engine: tool call failed", "session_id", r.sessionID, "turn_id", r.turnID,
			"tool_call_id", call.ID, "skill", call.Name, "kind", res.Error.Kind, "error", callErr)
	}
	o.metrics.RecordToolCall(ctx, call.Name, res.Status, elapsed)
	audit.Record(callCtx, res.Status, "skill.dispatch:"+call.Name, rule, resultReason(res), "")

	payload, err := json.Marshal(res)
	if err != nil {
		return ToolResult{}, shared.Wrap(shared.KindInternal, err, "could not encode tool result")
	}
	if _, err := r.appendStep(ctx, persistence.Step{
		Kind: persistence.StepToolResult, ToolCallID: call.ID, Skill: call.Name, Status: res.Status, Payload: payload,
	}); err != nil {
		return ToolResult{}, err
	}
	if err := r.emit(ctx, events.TypeToolResult, call.ID, res); err != nil {
		return ToolResult{}, err
	}
	return res, nil
}

// invoke calls the skill under ToolTimeout. A handler that ignores
// cancellation is abandoned after toolGrace.
func (r *turnRun) invoke(ctx context.Context, call ToolCall) (skills.Output, error) {
	o := r.o
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	type outcome struct {
		out skills.Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: shared.Errorf(shared.KindInternal, "skill %s panicked", call.Name)}
				o.logger.Error("engine: skill panicked", "skill", call.Name, "panic", p)
			}
		}()
		out, err := o.skills.Dispatch(callCtx, call.Name, call.Args)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-callCtx.Done():
		select {
		case res = <-done:
		case <-time.After(toolGrace):
		}
		if ctx.Err() != nil {
			return res.out, shared.Wrap(shared.KindCancelled, ctx.Err(), "the tool call was cancelled")
		}
		if res.err == nil || shared.KindOf(res.err) == shared.KindInternal || shared.KindOf(res.err) == shared.KindCancelled {
			res.err = shared.Wrap(shared.KindSandboxTimeout, callCtx.Err(),
				fmt.Sprintf("%s exceeded its %s time limit", call.Name, o.cfg.ToolTimeout))
		}
	}
	return res.out, res.err
}

func (r *turnRun) appendText(ctx context.Context, text string) error {
	if _, err := r.appendStep(ctx, persistence.Step{Kind: persistence.StepText, Text: text}); err != nil {
		return err
	}
	return r.emit(ctx, events.TypeText, "", TextData{Iteration: r.iteration, Text: text})
}

// appendStep persists a step. Writes are not cancelled with the turn so a
// recorded tool call always gets its result.
func (r *turnRun) appendStep(ctx context.Context, step persistence.Step) (persistence.Step, error) {
	step.TurnID = r.turnID
	step.Iteration = r.iteration
	st, err := r.o.store.AppendStep(context.WithoutCancel(ctx), step)
	if err != nil {
		return st, shared.Wrap(shared.KindInternal, err, "could not record turn step")
	}
	return st, nil
}

// emit publishes an event. Like persistence it outlives cancellation; the
// multiplexer's emit timeout bounds it.
func (r *turnRun) emit(ctx context.Context, typ events.Type, toolCallID string, data any) error {
	_, err := r.o.events.Emit(context.WithoutCancel(ctx), events.Event{
		SessionID:  r.sessionID,
		TurnID:     r.turnID,
		Type:       typ,
		ToolCallID: toolCallID,
		Data:       data,
	})
	if err != nil {
		return shared.Wrap(shared.KindInternal, fmt.Errorf("%w: %w", errStreamStalled, err), "event stream stalled")
	}
	return nil
}

// finish closes the turn in the store and emits the terminal event.
func (r *turnRun) finish(ctx context.Context, text string, kind shared.Kind, runErr error) TurnOutcome {
	o := r.o
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeTimeout)
	defer cancel()

	out := TurnOutcome{TurnID: r.turnID, Iterations: r.iteration, ToolCalls: r.toolCalls, Text: text, Kind: kind}
	if runErr == nil {
		out.Status = persistence.TurnDone
		if err := o.store.FinishTurn(fctx, r.turnID, persistence.TurnDone, string(kind), ""); err != nil {
			o.logger.Error("engine: finish turn", "turn_id", r.turnID, "error", err)
		}
		if _, err := o.events.Emit(fctx, events.Event{
			SessionID: r.sessionID, TurnID: r.turnID, Type: events.TypeDone,
			Data: DoneData{Status: string(persistence.TurnDone), Kind: kind, Iterations: r.iteration, Text: text},
		}); err != nil {
			o.logger.Error("engine: terminal event not delivered", "turn_id", r.turnID, "error", err)
		}
		return out
	}

	out.Status = persistence.TurnError
	out.Kind = shared.KindOf(runErr)
	if ctx.Err() != nil {
		out.Kind = shared.KindCancelled
	}
	message := shared.UserMessage(runErr)
	if err := o.store.FinishTurn(fctx, r.turnID, persistence.TurnError, string(out.Kind), message); err != nil {
		o.logger.Error("engine: finish turn", "turn_id", r.turnID, "error", err)
	}
	data := ErrorData{Kind: out.Kind, Message: message}
	var se *shared.Error
	if errors.As(runErr, &se) {
		data.Rule = se.Rule
	}
	if _, err := o.events.Emit(fctx, events.Event{
		SessionID: r.sessionID, TurnID: r.turnID, Type: events.TypeError, Data: data,
	}); err != nil {
		o.logger.Error("engine: terminal event not delivered", "turn_id", r.turnID, "error", err)
	}
	return out
}

// emitSessionError reports a failure that happened before any turn row
// existed, so the consumer still sees a terminal event for its message.
func (o *Orchestrator) emitSessionError(ctx context.Context, sessionID string, err error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultFinalizeTimeout)
	defer cancel()
	kind := shared.KindOf(err)
	if ctx.Err() != nil {
		kind = shared.KindCancelled
	}
	o.logger.Warn("engine: turn not started", "session_id", sessionID, "kind", kind, "error", err)
	if _, eerr := o.events.Emit(fctx, events.Event{
		SessionID: sessionID, Type: events.TypeError,
		Data: ErrorData{Kind: kind, Message: shared.UserMessage(err)},
	}); eerr != nil {
		o.logger.Error("engine: terminal event not delivered", "session_id", sessionID, "error", eerr)
	}
}

func cancelled(err error) error {
	return shared.Wrap(shared.KindCancelled, err, "the request was cancelled")
}

func resultReason(res ToolResult) string {
	if res.Error != nil {
		return string(res.Error.Kind) + ": " + res.Error.Message
	}
	return fmt.Sprintf("%d artifact(s) in %s", len(res.Artifacts), res.Meta.Duration)
}

func toolSpecs(descs []skills.Descriptor) []ToolSpec {
	specs := make([]ToolSpec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, ToolSpec{Name: d.Name, Description: d.Description, Schema: d.InputSchema})
	}
	return specs
}

func buildSystemPrompt(persona, manifest, summary string, citations []retrieval.Citation) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(persona))
	b.WriteString("\n\n")
	b.WriteString(manifest)
	if summary != "" {
		b.WriteString("\n\n## Earlier in this session\n")
		b.WriteString(summary)
	}
	if len(citations) > 0 {
		b.WriteString("\n\n## Retrieved context\nCite these by number when you use them.\n")
		for i, c := range citations {
			fmt.Fprintf(&b, "[%d] %s (%s): %s\n", i+1, c.Title, c.Source, c.Snippet)
		}
	}
	return b.String()
}

// historyMessages rebuilds model history from persisted turns, skipping
// currentTurnID. Steps of one iteration become a model message followed
// by a tool message; calls without a recorded result are dropped.
func historyMessages(records []persistence.TurnRecord, currentTurnID string) []Message {
	var msgs []Message
	for _, rec := range records {
		if rec.ID == currentTurnID {
			continue
		}
		if rec.Status == persistence.TurnError && len(rec.Steps) == 0 {
			continue
		}
		msgs = append(msgs, Message{Role: RoleUser, Text: rec.UserMessage})

		results := make(map[string]persistence.Step)
		for _, st := range rec.Steps {
			if st.Kind == persistence.StepToolResult {
				results[st.ToolCallID] = st
			}
		}

		var model *Message
		var tool *Message
		iteration := -1
		flush := func() {
			if model != nil && (model.Text != "" || len(model.ToolCalls) > 0) {
				msgs = append(msgs, *model)
			}
			if tool != nil && len(tool.Results) > 0 {
				msgs = append(msgs, *tool)
			}
			model, tool = nil, nil
		}
		for _, st := range rec.Steps {
			if st.Iteration != iteration {
				flush()
				iteration = st.Iteration
				model = &Message{Role: RoleModel}
				tool = &Message{Role: RoleTool}
			}
			switch st.Kind {
			case persistence.StepText:
				if model.Text != "" {
					model.Text += "\n"
				}
				model.Text += st.Text
			case persistence.StepToolCall:
				res, ok := results[st.ToolCallID]
				if !ok {
					continue
				}
				var args map[string]any
				_ = json.Unmarshal(st.Args, &args)
				model.ToolCalls = append(model.ToolCalls, ToolCall{ID: st.ToolCallID, Name: st.Skill, Args: args})
				var output any
				_ = json.Unmarshal(res.Payload, &output)
				tool.Results = append(tool.Results, ToolResponse{CallID: st.ToolCallID, Name: st.Skill, Output: output})
			}
		}
		flush()
	}
	return msgs
}
