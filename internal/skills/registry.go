package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/shared"
)

// CollisionPolicy decides which source keeps a name claimed by both a
// structured and a document skill.
type CollisionPolicy string

const (
	StructuredFirst CollisionPolicy = "structured_first"
	DocumentFirst   CollisionPolicy = "document_first"
)

func ParseCollisionPolicy(s string) (CollisionPolicy, error) {
	switch CollisionPolicy(s) {
	case "", StructuredFirst:
		return StructuredFirst, nil
	case DocumentFirst:
		return DocumentFirst, nil
	default:
		return "", fmt.Errorf("unknown collision policy %q", s)
	}
}

type Options struct {
	DocumentDirs    []string
	CollisionPolicy CollisionPolicy
	// Available reports whether a sandbox language runtime is installed.
	// Nil means every language is available.
	Available func(policy.Language) bool
	Logger    *slog.Logger
}

type compiledSkill struct {
	def    Structured
	schema *jsonschema.Schema
}

// Snapshot is an immutable view of the registry. Readers holding a
// Snapshot never observe a later rebuild.
type Snapshot struct {
	Version uint64
	BuiltAt time.Time

	skills   []Descriptor
	byKey    map[string]int
	handlers map[string]*compiledSkill
}

// Descriptors returns all descriptors sorted by name.
func (s *Snapshot) Descriptors() []Descriptor {
	return append([]Descriptor(nil), s.skills...)
}

// Enabled returns the enabled descriptors sorted by name.
func (s *Snapshot) Enabled() []Descriptor {
	var out []Descriptor
	for _, d := range s.skills {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	i, ok := s.byKey[CanonicalSkillKey(name)]
	if !ok {
		return Descriptor{}, false
	}
	return s.skills[i], true
}

// Registry merges structured and document skills and publishes them as
// atomically swapped snapshots.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex // serializes mutation and rebuilds
	structured map[string]*compiledSkill
	documents  []Descriptor
	overrides  map[string]bool
	version    uint64

	snap atomic.Pointer[Snapshot]
}

func NewRegistry(opts Options) (*Registry, error) {
	cp, err := ParseCollisionPolicy(string(opts.CollisionPolicy))
	if err != nil {
		return nil, err
	}
	opts.CollisionPolicy = cp
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		opts:       opts,
		logger:     logger,
		structured: make(map[string]*compiledSkill),
		overrides:  make(map[string]bool),
	}
	r.snap.Store(&Snapshot{byKey: map[string]int{}, handlers: map[string]*compiledSkill{}})
	return r, nil
}

// Register adds a structured skill. It is visible after the next Rebuild.
func (r *Registry) Register(s Structured) error {
	if !validSkillName.MatchString(s.Name) {
		return fmt.Errorf("invalid skill name %q", s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("skill %s: nil handler", s.Name)
	}
	capability, err := ParseCapability(string(s.Capability))
	if err != nil {
		return fmt.Errorf("skill %s: %w", s.Name, err)
	}
	s.Capability = capability
	schema, err := compileSchema(s.Name, s.Schema)
	if err != nil {
		return fmt.Errorf("skill %s: %w", s.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := CanonicalSkillKey(s.Name)
	if _, ok := r.structured[key]; ok {
		return fmt.Errorf("skill %s already registered", s.Name)
	}
	r.structured[key] = &compiledSkill{def: s, schema: schema}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := "skill://" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Rebuild rescans the document directories and publishes a new snapshot.
// Malformed documents are skipped; only context errors are returned.
func (r *Registry) Rebuild(ctx context.Context) error {
	docs, err := LoadDocuments(ctx, r.opts.DocumentDirs, r.logger)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		r.logger.Warn("skills: rebuild completed with skipped documents", "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents = docs
	snap := r.buildLocked()
	r.logger.Info("skills: registry rebuilt", "version", snap.Version, "skills", len(snap.skills))
	return nil
}

// SetEnabled toggles a skill and publishes a new snapshot without
// rescanning documents.
func (r *Registry) SetEnabled(name string, enabled bool) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.snap.Load().Lookup(name)
	if !ok {
		return Descriptor{}, shared.Errorf(shared.KindSkillNotFound, "unknown skill %q", name)
	}
	if enabled && d.Language != "" && !r.languageAvailable(d.Language) {
		return d, shared.Errorf(shared.KindInvalidInput, "skill %q needs the %s runtime, which is not installed", d.Name, d.Language)
	}
	r.overrides[CanonicalSkillKey(name)] = enabled
	snap := r.buildLocked()
	out, _ := snap.Lookup(name)
	r.logger.Info("skills: skill toggled", "skill", out.Name, "enabled", enabled, "version", snap.Version)
	return out, nil
}

func (r *Registry) languageAvailable(lang policy.Language) bool {
	if r.opts.Available == nil {
		return true
	}
	return r.opts.Available(lang)
}

// buildLocked merges the sources and swaps the snapshot. r.mu must be held.
func (r *Registry) buildLocked() *Snapshot {
	merged := make(map[string]Descriptor, len(r.structured)+len(r.documents))
	handlers := make(map[string]*compiledSkill, len(r.structured))

	for key, cs := range r.structured {
		merged[key] = Descriptor{
			Name:        cs.def.Name,
			Description: cs.def.Description,
			Type:        TypeStructured,
			Capability:  cs.def.Capability,
			Source:      SourceBuiltin,
			Location:    "builtin:" + cs.def.Name,
			InputSchema: cs.def.Schema,
			Language:    cs.def.Language,
			Enabled:     true,
		}
		handlers[key] = cs
	}
	for _, doc := range r.documents {
		key := CanonicalSkillKey(doc.Name)
		if existing, ok := merged[key]; ok {
			if r.opts.CollisionPolicy == StructuredFirst {
				r.logger.Info("skills: name collision, structured skill kept", "skill", doc.Name, "document", doc.Location)
				continue
			}
			r.logger.Info("skills: name collision, document skill kept", "skill", doc.Name, "structured", existing.Location)
			delete(handlers, key)
		}
		merged[key] = doc
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.version++
	snap := &Snapshot{
		Version:  r.version,
		BuiltAt:  time.Now().UTC(),
		skills:   make([]Descriptor, 0, len(keys)),
		byKey:    make(map[string]int, len(keys)),
		handlers: handlers,
	}
	for _, key := range keys {
		d := merged[key]
		if on, ok := r.overrides[key]; ok {
			d.Enabled = on
			if !on {
				d.DisabledReason = "disabled by operator"
			}
		}
		if d.Language != "" && !r.languageAvailable(d.Language) {
			d.Enabled = false
			d.DisabledReason = fmt.Sprintf("%s runtime not installed", d.Language)
		}
		snap.byKey[key] = len(snap.skills)
		snap.skills = append(snap.skills, d)
	}
	r.snap.Store(snap)
	return snap
}

// List returns the current snapshot.
func (r *Registry) List() *Snapshot {
	return r.snap.Load()
}

// Resolve looks name up in the current snapshot.
func (r *Registry) Resolve(name string) (Descriptor, error) {
	d, ok := r.snap.Load().Lookup(name)
	if !ok {
		return Descriptor{}, shared.Errorf(shared.KindSkillNotFound, "unknown skill %q", name)
	}
	return d, nil
}

// Dispatch validates args against the skill's schema and calls its handler.
// Unknown, disabled and document skills all yield SkillNotFound.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]any) (Output, error) {
	return r.snap.Load().Dispatch(ctx, name, args)
}

// Dispatch runs a skill against this snapshot.
func (s *Snapshot) Dispatch(ctx context.Context, name string, args map[string]any) (Output, error) {
	d, ok := s.Lookup(name)
	if !ok {
		return Output{}, shared.Errorf(shared.KindSkillNotFound, "unknown skill %q", name)
	}
	if d.Type == TypeDocument {
		return Output{}, shared.Errorf(shared.KindSkillNotFound, "skill %q is a document skill and cannot be called", d.Name)
	}
	if !d.Enabled {
		return Output{}, shared.Errorf(shared.KindSkillNotFound, "skill %q is disabled: %s", d.Name, d.DisabledReason)
	}
	cs := s.handlers[CanonicalSkillKey(name)]
	if cs == nil {
		return Output{}, shared.Errorf(shared.KindSkillNotFound, "skill %q has no handler", d.Name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := validateArgs(cs.schema, args); err != nil {
		detail := strings.Join(strings.Fields(err.Error()), " ")
		return Output{}, shared.Wrap(shared.KindInvalidInput, err, fmt.Sprintf("invalid arguments for %s: %s", d.Name, detail))
	}
	return cs.def.Handler(ctx, args)
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	// jsonschema wants json.Number for numeric checks.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(doc)
}
