package provision

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed plans/*.yaml
var builtinPlans embed.FS

// Plan names.
const (
	PlanFull     = "full"
	PlanScripted = "scripted"
)

// Phase kinds.
const (
	KindConnect    = "connect"
	KindVerifyOS   = "verify_os"
	KindVerifySudo = "verify_sudo"
	KindCommands   = "commands"
	KindScript     = "script"
)

// Plan is an ordered list of phases.
type Plan struct {
	Name   string      `yaml:"name"`
	Phases []PhaseSpec `yaml:"phases"`
}

// PhaseSpec describes one phase. String fields are text/template sources
// rendered against the job when the phase starts.
type PhaseSpec struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Fatal defaults to true: a failure ends the job.
	Fatal *bool `yaml:"fatal"`
	// ResetOnly phases run only when the target asks for a reset.
	ResetOnly bool `yaml:"reset_only"`

	// verify_os / verify_sudo
	Command     string   `yaml:"command"`
	SupportedOS []string `yaml:"supported_os"`
	MinVersion  string   `yaml:"min_version"`

	// commands
	Commands    []string          `yaml:"commands"`
	Uploads     []UploadSpec      `yaml:"uploads"`
	AfterUpload []string          `yaml:"after_upload"`
	Detect      map[string]string `yaml:"detect"`

	// script
	Path   string `yaml:"path"`
	Script string `yaml:"script"`
	Run    string `yaml:"run"`
}

// UploadSpec is a file written to the host over SFTP.
type UploadSpec struct {
	Path    string `yaml:"path"`
	Mode    string `yaml:"mode"`
	Content string `yaml:"content"`
}

// IsFatal reports whether a failure of this phase ends the job.
func (p PhaseSpec) IsFatal() bool {
	return p.Fatal == nil || *p.Fatal
}

// DetectCommands returns every feature check of the plan, keyed by feature.
func (p *Plan) DetectCommands() map[string]string {
	out := map[string]string{}
	for _, ph := range p.Phases {
		for k, v := range ph.Detect {
			out[k] = v
		}
	}
	return out
}

// phasesFor returns the phases that run for a job, dropping reset-only
// phases unless reset is set.
func (p *Plan) phasesFor(reset bool) []PhaseSpec {
	out := make([]PhaseSpec, 0, len(p.Phases))
	for _, ph := range p.Phases {
		if ph.ResetOnly && !reset {
			continue
		}
		out = append(out, ph)
	}
	return out
}

// ParsePlan decodes and validates a plan.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("parse plan: name is required")
	}
	if len(p.Phases) == 0 {
		return nil, fmt.Errorf("plan %s: no phases", p.Name)
	}
	seen := map[string]bool{}
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return nil, fmt.Errorf("plan %s: phase %d has no name", p.Name, i)
		}
		if seen[ph.Name] {
			return nil, fmt.Errorf("plan %s: duplicate phase %s", p.Name, ph.Name)
		}
		seen[ph.Name] = true
		if err := validatePhase(ph); err != nil {
			return nil, fmt.Errorf("plan %s: phase %s: %w", p.Name, ph.Name, err)
		}
	}
	if p.Phases[0].Kind != KindConnect {
		return nil, fmt.Errorf("plan %s: first phase must be %s", p.Name, KindConnect)
	}
	return &p, nil
}

func validatePhase(ph PhaseSpec) error {
	switch ph.Kind {
	case KindConnect:
	case KindVerifyOS, KindVerifySudo:
		if ph.Command == "" {
			return errors.New("command is required")
		}
	case KindCommands:
		if len(ph.Commands)+len(ph.Uploads)+len(ph.AfterUpload)+len(ph.Detect) == 0 {
			return errors.New("nothing to do")
		}
		for _, u := range ph.Uploads {
			if u.Path == "" {
				return errors.New("upload without path")
			}
			if _, err := parseMode(u.Mode); err != nil {
				return err
			}
		}
	case KindScript:
		if ph.Path == "" || ph.Script == "" || ph.Run == "" {
			return errors.New("path, script and run are required")
		}
	default:
		return fmt.Errorf("unknown kind %q", ph.Kind)
	}

	// Templates are parsed up front so a broken plan fails at load time.
	sources := append([]string{ph.Command, ph.Script, ph.Run}, ph.Commands...)
	sources = append(sources, ph.AfterUpload...)
	for _, u := range ph.Uploads {
		sources = append(sources, u.Path, u.Content)
	}
	for _, src := range sources {
		if _, err := newTemplate(src); err != nil {
			return err
		}
	}
	return nil
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return os.FileMode(m), nil
}

// LoadPlans returns the built-in plans, replaced by any <name>.yaml found
// in dir.
func LoadPlans(dir string) (map[string]*Plan, error) {
	plans := map[string]*Plan{}
	entries, err := builtinPlans.ReadDir("plans")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		data, err := builtinPlans.ReadFile("plans/" + e.Name())
		if err != nil {
			return nil, err
		}
		p, err := ParsePlan(data)
		if err != nil {
			return nil, err
		}
		plans[p.Name] = p
	}

	if dir == "" {
		return plans, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read plan: %w", err)
		}
		p, err := ParsePlan(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		plans[p.Name] = p
		log.Printf("[provision] Loaded plan %s from %s", p.Name, f)
	}
	return plans, nil
}

var templateFuncs = template.FuncMap{
	"shellquote": shellQuote,
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

func newTemplate(src string) (*template.Template, error) {
	return template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(src)
}

func render(src string, data any) (string, error) {
	if !strings.Contains(src, "{{") {
		return src, nil
	}
	t, err := newTemplate(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %q: %w", src, err)
	}
	return buf.String(), nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
