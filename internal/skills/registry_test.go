package skills

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/basket/labclaw/internal/policy"
	"github.com/basket/labclaw/internal/shared"
)

const pairSchema = `{
  "type": "object",
  "properties": {"a": {"type": "string"}, "b": {"type": "string"}, "alpha": {"type": "number", "maximum": 1}},
  "required": ["a", "b"],
  "additionalProperties": false
}`

func echoSkill(name string, lang policy.Language) Structured {
	return Structured{
		Name:        name,
		Description: "echoes its args",
		Capability:  CapCompute,
		Language:    lang,
		Schema:      json.RawMessage(pairSchema),
		Handler: func(_ context.Context, args map[string]any) (Output, error) {
			return Output{Payload: args}, nil
		},
	}
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	r, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func kindOf(t *testing.T, err error) shared.Kind {
	t.Helper()
	var kerr *shared.Error
	if !errors.As(err, &kerr) {
		t.Fatalf("expected *shared.Error, got %v", err)
	}
	return kerr.Kind
}

func TestRegistry_ResolveAndList(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "style", "---\nname: chart-style\ndescription: house style\n---\nUse muted colours.\n")
	reg := newTestRegistry(t, Options{DocumentDirs: []string{dir}})
	if err := reg.Register(echoSkill("t_test", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	d, err := reg.Resolve("t_test")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Type != TypeStructured || d.Source != SourceBuiltin || !d.Enabled {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	doc, err := reg.Resolve("chart-style")
	if err != nil {
		t.Fatalf("Resolve document: %v", err)
	}
	if doc.Type != TypeDocument || doc.Guidance != "Use muted colours." {
		t.Fatalf("unexpected document descriptor %+v", doc)
	}

	if _, err := reg.Resolve("anova"); kindOf(t, err) != shared.KindSkillNotFound {
		t.Fatalf("expected SkillNotFound")
	}
}

func TestRegistry_ListIdempotent(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	_ = reg.Register(echoSkill("t_test", ""))
	_ = reg.Register(echoSkill("describe_dataset", ""))
	if err := reg.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	first := reg.List()
	second := reg.List()
	if first.Version != second.Version {
		t.Fatalf("versions differ: %d vs %d", first.Version, second.Version)
	}
	if !reflect.DeepEqual(first.Descriptors(), second.Descriptors()) {
		t.Fatalf("descriptor sets differ")
	}
	names := []string{}
	for _, d := range first.Descriptors() {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "describe_dataset,t_test" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestRegistry_CollisionPolicy(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "t_test", "---\nname: t_test\ndescription: document version\n---\nguidance\n")

	structured := newTestRegistry(t, Options{DocumentDirs: []string{dir}})
	_ = structured.Register(echoSkill("t_test", ""))
	_ = structured.Rebuild(context.Background())
	d, _ := structured.Resolve("t_test")
	if d.Type != TypeStructured {
		t.Fatalf("structured_first: expected structured skill, got %s", d.Type)
	}

	document := newTestRegistry(t, Options{DocumentDirs: []string{dir}, CollisionPolicy: DocumentFirst})
	_ = document.Register(echoSkill("t_test", ""))
	_ = document.Rebuild(context.Background())
	d, _ = document.Resolve("t_test")
	if d.Type != TypeDocument {
		t.Fatalf("document_first: expected document skill, got %s", d.Type)
	}
	if _, err := document.Dispatch(context.Background(), "t_test", map[string]any{"a": "x", "b": "y"}); kindOf(t, err) != shared.KindSkillNotFound {
		t.Fatalf("expected shadowed handler to be unreachable")
	}

	if _, err := NewRegistry(Options{CollisionPolicy: "random"}); err == nil {
		t.Fatalf("expected unknown collision policy error")
	}
}

func TestRegistry_MissingRuntimeDisablesSkill(t *testing.T) {
	avail := func(l policy.Language) bool { return l == policy.Python }
	reg := newTestRegistry(t, Options{Available: avail})
	_ = reg.Register(echoSkill("run_python", policy.Python))
	_ = reg.Register(echoSkill("run_r", policy.R))
	_ = reg.Rebuild(context.Background())

	r, _ := reg.Resolve("run_r")
	if r.Enabled || !strings.Contains(r.DisabledReason, "not installed") {
		t.Fatalf("expected run_r disabled, got %+v", r)
	}
	if _, err := reg.SetEnabled("run_r", true); kindOf(t, err) != shared.KindInvalidInput {
		t.Fatalf("expected enabling a missing runtime to fail")
	}
	for _, d := range Tools(reg.List()) {
		if d.Name == "run_r" {
			t.Fatalf("disabled skill leaked into tools")
		}
	}
	if strings.Contains(Manifest(reg.List()), "run_r") {
		t.Fatalf("disabled skill leaked into manifest")
	}
}

func TestRegistry_SetEnabledNewVersion(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	_ = reg.Register(echoSkill("t_test", ""))
	_ = reg.Rebuild(context.Background())
	old := reg.List()

	d, err := reg.SetEnabled("t_test", false)
	if err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	if d.Enabled {
		t.Fatalf("expected disabled")
	}
	cur := reg.List()
	if cur.Version != old.Version+1 {
		t.Fatalf("expected version bump, got %d -> %d", old.Version, cur.Version)
	}
	if od, _ := old.Lookup("t_test"); !od.Enabled {
		t.Fatalf("old snapshot must not change")
	}
	if _, err := reg.Dispatch(context.Background(), "t_test", map[string]any{"a": "x", "b": "y"}); kindOf(t, err) != shared.KindSkillNotFound {
		t.Fatalf("expected disabled skill to be undispatchable")
	}
	if _, err := reg.SetEnabled("nope", true); kindOf(t, err) != shared.KindSkillNotFound {
		t.Fatalf("expected SkillNotFound for unknown toggle")
	}

	// Rebuild keeps operator overrides.
	_ = reg.Rebuild(context.Background())
	if d, _ := reg.Resolve("t_test"); d.Enabled {
		t.Fatalf("override lost on rebuild")
	}
}

func TestRegistry_DispatchValidatesArgs(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	_ = reg.Register(echoSkill("t_test", ""))
	_ = reg.Rebuild(context.Background())
	ctx := context.Background()

	out, err := reg.Dispatch(ctx, "t_test", map[string]any{"a": "x", "b": "y", "alpha": 0.05})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out.Payload.(map[string]any)["a"] != "x" {
		t.Fatalf("unexpected payload %+v", out.Payload)
	}

	bad := []map[string]any{
		{"a": "x"},
		{"a": "x", "b": 3},
		{"a": "x", "b": "y", "alpha": 2},
		{"a": "x", "b": "y", "extra": true},
	}
	for _, args := range bad {
		_, err := reg.Dispatch(ctx, "t_test", args)
		if kindOf(t, err) != shared.KindInvalidInput {
			t.Fatalf("args %v: expected InvalidInput, got %v", args, err)
		}
	}

	if _, err := reg.Dispatch(ctx, "not_a_skill", nil); kindOf(t, err) != shared.KindSkillNotFound {
		t.Fatalf("expected SkillNotFound")
	}
}

func TestRegistry_DocumentNotDispatchable(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "guide", "---\nname: guide\n---\ntext\n")
	reg := newTestRegistry(t, Options{DocumentDirs: []string{dir}})
	_ = reg.Rebuild(context.Background())

	_, err := reg.Dispatch(context.Background(), "guide", nil)
	if kindOf(t, err) != shared.KindSkillNotFound || !strings.Contains(err.Error(), "document skill") {
		t.Fatalf("expected document skill rejection, got %v", err)
	}
}

func TestRegistry_RegisterRejectsBadInput(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	if err := reg.Register(echoSkill("bad name", "")); err == nil {
		t.Fatalf("expected invalid name error")
	}
	s := echoSkill("x", "")
	s.Schema = json.RawMessage(`{"type": 12}`)
	if err := reg.Register(s); err == nil {
		t.Fatalf("expected schema compile error")
	}
	_ = reg.Register(echoSkill("dup", ""))
	if err := reg.Register(echoSkill("DUP", "")); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestRegistry_ConcurrentReadsDuringRebuild(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	_ = reg.Register(echoSkill("t_test", ""))
	_ = reg.Rebuild(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := reg.List()
				if _, ok := snap.Lookup("t_test"); !ok {
					t.Errorf("snapshot %d missing t_test", snap.Version)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		_, _ = reg.SetEnabled("t_test", j%2 == 0)
	}
	wg.Wait()
}

func TestManifest(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, "style", "---\nname: chart-style\ndescription: house style\n---\nUse muted colours.\n")
	reg := newTestRegistry(t, Options{DocumentDirs: []string{dir}})
	_ = reg.Register(echoSkill("t_test", ""))
	_ = reg.Rebuild(context.Background())

	m := Manifest(reg.List())
	for _, want := range []string{"t_test (compute)", "### chart-style", "Use muted colours."} {
		if !strings.Contains(m, want) {
			t.Fatalf("manifest missing %q:\n%s", want, m)
		}
	}
	if tools := Tools(reg.List()); len(tools) != 1 || tools[0].Name != "t_test" {
		t.Fatalf("unexpected tools %+v", tools)
	}
}
