// Package pipeline implements the Phase Orchestrator (C11): it sequences
// the Parse & Sanity Gate (C2), Structural Validator (C3), Typed Parser
// (C4), Engine Wrapper (C5), Rule Evaluator (C6), Terminology & Reference
// Resolver (C7), and Advisory Generators (C8) into the single request/
// response contract external callers see (spec.md §4, §5, §6).
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinval/clinval/pkg/advisory"
	"github.com/clinval/clinval/pkg/document"
	"github.com/clinval/clinval/pkg/engine"
	"github.com/clinval/clinval/pkg/finding"
	"github.com/clinval/clinval/pkg/gate"
	"github.com/clinval/clinval/pkg/reference"
	"github.com/clinval/clinval/pkg/rules"
	"github.com/clinval/clinval/pkg/schemaindex"
	"github.com/clinval/clinval/pkg/structural"
	"github.com/clinval/clinval/pkg/terminology"
	"github.com/clinval/clinval/pkg/typedparse"
)

var tracer = otel.Tracer("clinval.pipeline")

// Mode selects how much of the pipeline runs, per spec.md §6's
// validationMode. "fast" and "debug" are legacy aliases kept for
// callers migrating off the original API; they resolve to standard and
// full respectively and never appear in a Response.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeFull     Mode = "full"
)

// NormalizeMode resolves a requested mode string, including the legacy
// aliases, defaulting to ModeStandard for an empty or unrecognized value.
func NormalizeMode(raw string) Mode {
	switch raw {
	case "full", "debug":
		return ModeFull
	default:
		return ModeStandard
	}
}

// ReferenceSettings mirrors spec.md §6's validationSettings.
type ReferenceSettings struct {
	ReferenceResolution reference.ExternalPolicy
}

// Request is the external validation request (spec.md §6).
type Request struct {
	BundleJSON      []byte
	RulesJSON       []byte
	CodeMasterJSON  []byte
	FHIRVersion     schemaindex.FHIRVersion
	ProjectID       string
	Mode            Mode
	ReferenceSettings
}

// Response is the external validation response (spec.md §6).
type Response struct {
	Errors      []finding.Finding
	Summary     finding.Summary
	FHIRVersion schemaindex.FHIRVersion
	RulesVersion string
	ProcessingTimeMs int64
}

// Clock abstracts wall-clock time so callers (and tests) control it; the
// orchestrator itself never calls time.Now() so a resumed/replayed run
// stays deterministic (spec.md property 8: "same input twice -> same
// Finding sequence").
type Clock func() time.Time

// Pipeline wires together the schema index and terminology store every
// request is evaluated against, plus an optional set of advisory
// generators (run only in full mode).
type Pipeline struct {
	Index       *schemaindex.Index
	Terminology *terminology.Store
	Advisors    []advisory.Generator
	Clock       Clock
	// OnPhaseError, when non-nil, is invoked once per phase-local
	// failure caught under the resilience contract (spec.md §5), for
	// structured logging by the caller — this package carries no
	// logger dependency of its own, matching pkg/typedparse's
	// onFallback convention.
	OnPhaseError func(phase string, err error)
}

// Run executes the full pipeline against req and returns the external
// response. Run never returns a Go error for document-level problems —
// those become Findings — only for a nil Index, which is a programmer
// error, not a request-level failure.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("clinval.project_id", req.ProjectID),
		attribute.String("clinval.mode", string(req.Mode)),
		attribute.String("clinval.fhir_version", string(req.FHIRVersion)),
	))
	defer span.End()

	if p.Index == nil {
		return Response{}, fmt.Errorf("pipeline: no schema index configured")
	}
	start := p.now()

	if gateFinding := gate.Check(req.BundleJSON); gateFinding != nil {
		builder := finding.NewBuilder()
		f := builder.Build(*gateFinding)
		return p.finalize(req, []finding.Finding{f}, "", start), nil
	}

	doc, err := document.Parse(req.BundleJSON, document.FHIRVersion(req.FHIRVersion), req.ProjectID)
	if err != nil {
		// The gate already rejects malformed JSON; a Parse error here
		// means a well-formed-JSON envelope the gate didn't anticipate
		// (e.g. a JSON array at top level) — treat it the same way.
		builder := finding.NewBuilder()
		f := builder.Build(finding.Finding{
			Source:    finding.SourceStructure,
			Severity:  finding.SeverityError,
			ErrorCode: finding.CodeInvalidJSON,
			Details:   map[string]interface{}{"reason": err.Error()},
		})
		return p.finalize(req, []finding.Finding{f}, "", start), nil
	}

	if len(doc.Entries) == 0 {
		builder := finding.NewBuilder()
		f := builder.Build(finding.Finding{
			Source:    finding.SourceStructure,
			Severity:  finding.SeverityError,
			ErrorCode: finding.CodeEmptyBundle,
			Details:   map[string]interface{}{},
		})
		return p.finalize(req, []finding.Finding{f}, "", start), nil
	}

	ruleSet, rulesVersion, rulesErr := p.loadRuleSet(req)
	store := p.effectiveTerminology(req)

	builder := finding.NewBuilder()
	var all []finding.Finding
	if rulesErr != nil {
		all = append(all, builder.Build(p.pipelineError("", -1, "rules.parse", rulesErr.Error())))
	}
	evaluator := &rules.Evaluator{OnDegradedSkip: p.onDegradedSkip}
	if store != nil {
		// Assigned only when non-nil: a nil *terminology.Store stored
		// directly in the CodeSystemChecker interface field would
		// compare non-nil (typed-nil gotcha) and panic on first call.
		evaluator.Terminology = store
	}

	for _, entry := range doc.Entries {
		all = append(all, p.runResource(ctx, builder, entry, doc, ruleSet, evaluator, store, req.Mode)...)
	}

	all = append(all, p.runReferences(ctx, builder, doc, req.ReferenceSettings.ReferenceResolution)...)

	if req.Mode == ModeFull {
		all = append(all, p.runAdvisory(ctx, builder, doc)...)
	}

	deduped := finding.Dedupe(all)
	resp := p.finalize(req, deduped, rulesVersion, start)
	span.SetAttributes(
		attribute.Int("clinval.finding_count", len(resp.Errors)),
		attribute.Int("clinval.error_count", resp.Summary.ErrorCount),
	)
	return resp, nil
}

// effectiveTerminology returns the per-request terminology store: a
// request-supplied codeMasterJson bundle takes priority over the
// Pipeline's configured default, since a project may override the
// terminology it validates against per call (spec.md §6).
func (p *Pipeline) effectiveTerminology(req Request) *terminology.Store {
	if len(req.CodeMasterJSON) == 0 {
		return p.Terminology
	}
	store := terminology.NewStore()
	if err := store.LoadBundle(req.CodeMasterJSON); err != nil {
		if p.OnPhaseError != nil {
			p.OnPhaseError("terminology.load", err)
		}
		return p.Terminology
	}
	return store
}

// runResource runs C3 through C7 for a single bundle entry, implementing
// the resilience contract (spec.md §5): every phase but the gate is
// wrapped so a local failure becomes one PIPELINE_ERROR Finding and the
// remaining phases still run on the other entries (and, where possible,
// on this one).
func (p *Pipeline) runResource(ctx context.Context, builder *finding.Builder, entry document.Entry, doc *document.Document, ruleSet rules.RuleSet, evaluator *rules.Evaluator, store *terminology.Store, mode Mode) []finding.Finding {
	res := entry.Resource
	idx := entry.Index

	var out []finding.Finding

	structuralFindings := p.safeStructural(ctx, res, idx, mode, store)
	for _, f := range structuralFindings {
		out = append(out, builder.Build(f))
	}
	ranStructural := len(structuralFindings) > 0 || p.hasSchema(ctx, res.Type)

	typedResult := p.safeTypedParse(ctx, res, idx, store)

	// Per the C3-vs-C4 duplication decision (DESIGN.md): C4's strict-pass
	// failure is an internal routing signal only. It is promoted to an
	// output Finding solely when C3 could not run at all for this
	// resource type (no registered schema), since then it is the only
	// structural signal available.
	if typedResult.Failure != nil && !ranStructural {
		out = append(out, builder.Build(*typedResult.Failure))
	}

	if typedResult.Value != nil && typedResult.Value.Strict {
		out = append(out, p.safeEngine(ctx, res, idx, builder)...)
	}

	// Rule evaluation runs regardless of typed-parse outcome: structural
	// fallback still executes against the raw tree (spec.md §4.6,
	// scenario S2 — "typed parse having failed does not prevent rule
	// evaluation").
	tree := res.Tree
	structuralFallback := typedResult.Value == nil || !typedResult.Value.Strict
	out = append(out, p.safeRules(evaluator, tree, res.Type, ruleSet, structuralFallback, builder)...)

	out = append(out, p.safeTerminology(ctx, res, idx, ruleSet, store, builder)...)

	return out
}

func (p *Pipeline) hasSchema(ctx context.Context, resourceType string) bool {
	_, err := p.Index.GetByType(ctx, resourceType)
	return err == nil
}

func (p *Pipeline) safeStructural(ctx context.Context, res document.Resource, idx int, mode Mode, store *terminology.Store) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{p.pipelineError(res.Type, idx, "structural", fmt.Sprintf("panic: %v", r))}
		}
	}()
	structMode := structural.ModeStandard
	if mode == ModeFull {
		structMode = structural.ModeStrictSchema
	}
	return structural.Validate(ctx, p.Index, valueSets(store), res, idx, structMode)
}

// valueSets adapts a *terminology.Store to the ValueSets interface, or
// returns a true nil interface when store is nil — assigning a nil
// *Store directly would produce a non-nil interface wrapping a nil
// pointer, which panics on first method call instead of short-circuiting.
func valueSets(store *terminology.Store) structural.ValueSets {
	if store == nil {
		return nil
	}
	return store
}

func (p *Pipeline) safeTypedParse(ctx context.Context, res document.Resource, idx int, store *terminology.Store) (result typedparse.Result) {
	defer func() {
		if r := recover(); r != nil {
			ri := idx
			result = typedparse.Result{Failure: &finding.Finding{
				Source:        finding.SourceStructure,
				Severity:      finding.SeverityError,
				ErrorCode:     finding.CodeDeserializationError,
				ResourceType:  res.Type,
				ResourceIndex: &ri,
				Details:       map[string]interface{}{"message": fmt.Sprintf("panic: %v", r)},
			}}
		}
	}()
	return typedparse.Parse(ctx, p.Index, valueSets(store), res, idx, func(msg string) {
		if p.OnPhaseError != nil {
			p.OnPhaseError("typedparse.fallback", fmt.Errorf("%s", msg))
		}
	})
}

func (p *Pipeline) safeEngine(ctx context.Context, res document.Resource, idx int, builder *finding.Builder) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{builder.Build(p.pipelineError(res.Type, idx, "engine", fmt.Sprintf("panic: %v", r)))}
		}
	}()
	sd, err := p.Index.GetByType(ctx, res.Type)
	if err != nil {
		return nil
	}
	for _, f := range engine.Validate(p.Index, sd, res, idx) {
		out = append(out, builder.Build(f))
	}
	return out
}

func (p *Pipeline) safeRules(evaluator *rules.Evaluator, tree map[string]interface{}, resourceType string, ruleSet rules.RuleSet, structuralFallback bool, builder *finding.Builder) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{builder.Build(p.pipelineError(resourceType, -1, "rules", fmt.Sprintf("panic: %v", r)))}
		}
	}()
	var findings []finding.Finding
	if structuralFallback {
		findings = evaluator.EvaluateStructural(tree, resourceType, ruleSet)
	} else {
		findings = evaluator.EvaluateTyped(tree, resourceType, ruleSet)
	}
	for _, f := range findings {
		out = append(out, builder.Build(f))
	}
	return out
}

func (p *Pipeline) safeTerminology(ctx context.Context, res document.Resource, idx int, ruleSet rules.RuleSet, store *terminology.Store, builder *finding.Builder) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{builder.Build(p.pipelineError(res.Type, idx, "terminology", fmt.Sprintf("panic: %v", r)))}
		}
	}()
	if store == nil {
		return nil
	}
	covered := func(resourceType, path string) bool {
		for _, r := range ruleSet.RulesForType(resourceType) {
			if r.TargetPath == path {
				return true
			}
		}
		return false
	}
	for _, f := range terminology.Validate(ctx, p.Index, store, res, idx, covered) {
		out = append(out, builder.Build(f))
	}
	return out
}

func (p *Pipeline) runAdvisory(ctx context.Context, builder *finding.Builder, doc *document.Document) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{builder.Build(p.pipelineError("", -1, "advisory", fmt.Sprintf("panic: %v", r)))}
		}
	}()
	if len(p.Advisors) == 0 {
		return nil
	}
	for _, entry := range doc.Entries {
		for _, f := range advisory.Run(ctx, p.Index, p.Advisors, entry.Resource, entry.Index) {
			out = append(out, builder.Build(f))
		}
	}
	return out
}

// runReferences validates every reference in doc once, document-wide —
// unlike the other phases, reference resolution is not scoped to a
// single entry (spec.md §4.8).
func (p *Pipeline) runReferences(ctx context.Context, builder *finding.Builder, doc *document.Document, policy reference.ExternalPolicy) (out []finding.Finding) {
	defer func() {
		if r := recover(); r != nil {
			out = []finding.Finding{builder.Build(p.pipelineError("", -1, "reference", fmt.Sprintf("panic: %v", r)))}
		}
	}()
	opts := reference.Options{External: policy}
	if opts.External == "" {
		opts.External = reference.ExternalSkip
	}
	for _, f := range reference.Validate(ctx, p.Index, doc, opts) {
		out = append(out, builder.Build(f))
	}
	return out
}

func (p *Pipeline) onDegradedSkip(ruleID string, kind rules.Kind) {
	if p.OnPhaseError != nil {
		p.OnPhaseError("rules.degraded", fmt.Errorf("rule %s (%s) skipped under structural fallback", ruleID, kind))
	}
}

func (p *Pipeline) loadRuleSet(req Request) (rules.RuleSet, string, error) {
	if len(req.RulesJSON) == 0 {
		return rules.RuleSet{}, "", nil
	}
	rs, err := rules.ParseRuleSet(req.RulesJSON)
	if err != nil {
		return rules.RuleSet{}, "", err
	}
	return rs, rs.Version, nil
}

func (p *Pipeline) pipelineError(resourceType string, resourceIndex int, phase, reason string) finding.Finding {
	if p.OnPhaseError != nil {
		p.OnPhaseError(phase, fmt.Errorf("%s", reason))
	}
	f := finding.Finding{
		Source:       finding.SourceEngine,
		Severity:     finding.SeverityError,
		ErrorCode:    finding.CodePipelineError,
		ResourceType: resourceType,
		Details:      map[string]interface{}{"phase": phase, "reason": reason},
	}
	if resourceIndex >= 0 {
		ri := resourceIndex
		f.ResourceIndex = &ri
	}
	return f
}

func (p *Pipeline) finalize(req Request, findings []finding.Finding, rulesVersion string, start time.Time) Response {
	return Response{
		Errors:           findings,
		Summary:          finding.Summarize(findings),
		FHIRVersion:      req.FHIRVersion,
		RulesVersion:     rulesVersion,
		ProcessingTimeMs: p.now().Sub(start).Milliseconds(),
	}
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}
