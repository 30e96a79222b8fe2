// Package rules evaluates JSON rule packs against SFT datasets and produces
// machine-readable diagnostics and acceptance reports.
package rules

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"time"

	"example.com/sftgate/internal/sft"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

// RuleStage groups rules by the validation phase they belong to.
type RuleStage string

const (
	StageResolve  RuleStage = "resolve"
	StageHeader   RuleStage = "header"
	StageChecksum RuleStage = "checksum"
	StageCatalog  RuleStage = "catalog"
	StageNaming   RuleStage = "naming"
	StageBand     RuleStage = "band"
)

type Rule struct {
	RuleId    string         `json:"ruleId"`
	Name      string         `json:"name,omitempty"`
	Stage     RuleStage      `json:"stage"`
	Severity  Severity       `json:"severity"`
	CheckFunc string         `json:"checkFunction"`
	Refs      []string       `json:"refs"`
	Params    map[string]any `json:"params,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Profile    string `json:"profile"`
	Rules      []Rule `json:"rules"`
}

type Diagnostic struct {
	Ts       time.Time `json:"ts"`
	File     string    `json:"file,omitempty"`
	Detector string    `json:"detector,omitempty"`
	Epoch    string    `json:"epoch,omitempty"`
	RuleId   string    `json:"ruleId"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Refs     []string  `json:"refs"`
}

// GateResult summarizes one rule's outcome for the acceptance gate matrix.
type GateResult struct {
	Stage    RuleStage `json:"stage"`
	Severity Severity  `json:"severity"`
	RuleId   string    `json:"ruleId"`
	Name     string    `json:"name,omitempty"`
	Pass     bool      `json:"pass"`
	Findings int       `json:"findings"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	GateMatrix []GateResult `json:"gateMatrix"`
	Findings   []Diagnostic `json:"findings,omitempty"`
}

// Context carries the dataset under validation. Files and Catalog are
// resolved lazily so resolve-stage rules can report resolution failures as
// findings instead of aborting the run.
type Context struct {
	Pattern     string
	Constraints *sft.Constraints

	Files   []string
	Catalog *sft.Catalog

	filesErr   error
	catalogErr error
	resolved   bool
	cataloged  bool
}

// EnsureFiles resolves the pattern once and caches the result.
func (ctx *Context) EnsureFiles() ([]string, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if !ctx.resolved {
		ctx.resolved = true
		if ctx.Files == nil {
			ctx.Files, ctx.filesErr = sft.FindFiles(ctx.Pattern)
		}
	}
	return ctx.Files, ctx.filesErr
}

// EnsureCatalog builds the catalog once and caches the result.
func (ctx *Context) EnsureCatalog() (*sft.Catalog, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if !ctx.cataloged {
		ctx.cataloged = true
		if ctx.Catalog == nil {
			ctx.Catalog, ctx.catalogErr = sft.FindSFTs(ctx.Pattern, ctx.Constraints)
		}
	}
	return ctx.Catalog, ctx.catalogErr
}

// CheckFunc runs one rule and returns its findings. A returned error is
// converted to a single ERROR finding by the engine.
type CheckFunc func(ctx *Context, rule Rule) ([]Diagnostic, error)

type Engine struct {
	rulePack    RulePack
	registry    map[string]CheckFunc
	diagnostics []Diagnostic
	gates       []GateResult
}

func NewEngine(rp RulePack) *Engine {
	return &Engine{
		rulePack: rp,
		registry: make(map[string]CheckFunc),
	}
}

func (e *Engine) Register(name string, f CheckFunc) {
	e.registry[name] = f
}

// Eval runs every rule of the pack against ctx. Rule evaluation never
// aborts the run: failures become ERROR findings and a failed gate.
func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	var diags []Diagnostic
	var gates []GateResult
	for _, r := range e.rulePack.Rules {
		fn, ok := e.registry[r.CheckFunc]
		if !ok {
			diags = append(diags, Diagnostic{
				Ts: time.Now(), RuleId: r.RuleId, Severity: WARN,
				Message: "no check function registered for rule", Refs: r.Refs,
			})
			gates = append(gates, GateResult{
				Stage: r.Stage, Severity: r.Severity, RuleId: r.RuleId, Name: r.Name,
				Pass: false, Findings: 1,
			})
			continue
		}
		found, err := fn(ctx, r)
		if err != nil {
			found = append(found, Diagnostic{
				Ts: time.Now(), RuleId: r.RuleId, Severity: ERROR,
				Message: err.Error(), Refs: r.Refs,
			})
		}
		pass := true
		for _, d := range found {
			if d.Severity == ERROR {
				pass = false
			}
		}
		gates = append(gates, GateResult{
			Stage: r.Stage, Severity: r.Severity, RuleId: r.RuleId, Name: r.Name,
			Pass: pass, Findings: len(found),
		})
		diags = append(diags, found...)
	}
	e.diagnostics = diags
	e.gates = gates
	return diags, nil
}

func (e *Engine) WriteDiagnosticsNDJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, d := range e.diagnostics {
		b, _ := json.Marshal(d)
		w.Write(b)
		w.WriteString("\n")
	}
	return nil
}

func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		}
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.GateMatrix = e.gates
	rep.Findings = e.diagnostics
	return rep
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	err = json.Unmarshal(b, &rp)
	return rp, err
}
