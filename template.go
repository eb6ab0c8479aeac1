package conductor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// StageTemplate defines a single stage in a workflow template.
type StageTemplate struct {
	ID         string        `json:"stage_id" yaml:"stage_id"`
	Capability string        `json:"capability" yaml:"capability"`
	DependsOn  []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Domain     string        `json:"domain,omitempty" yaml:"domain,omitempty"`
	Required   bool          `json:"required,omitempty" yaml:"required,omitempty"`
}

// UnmarshalYAML accepts timeouts as duration strings ("20s", "1m30s").
func (s *StageTemplate) UnmarshalYAML(value *yaml.Node) error {
	type rawStage struct {
		ID         string   `yaml:"stage_id"`
		Capability string   `yaml:"capability"`
		DependsOn  []string `yaml:"depends_on"`
		Timeout    string   `yaml:"timeout"`
		Domain     string   `yaml:"domain"`
		Required   bool     `yaml:"required"`
	}
	var raw rawStage
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.ID = raw.ID
	s.Capability = raw.Capability
	s.DependsOn = raw.DependsOn
	s.Domain = raw.Domain
	s.Required = raw.Required
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return err
		}
		s.Timeout = timeout
	}
	return nil
}

// TemplateOptions are used to configure a workflow template.
type TemplateOptions struct {
	Type        string           `json:"workflow_type" yaml:"workflow_type"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []*StageTemplate `json:"stages" yaml:"stages"`
	// StageTimeout is the default per-candidate timeout for stages that do
	// not declare their own.
	StageTimeout time.Duration `json:"stage_timeout,omitempty" yaml:"stage_timeout,omitempty"`
}

// UnmarshalYAML accepts the default stage timeout as a duration string.
func (o *TemplateOptions) UnmarshalYAML(value *yaml.Node) error {
	type rawOptions struct {
		Type         string           `yaml:"workflow_type"`
		Description  string           `yaml:"description"`
		Stages       []*StageTemplate `yaml:"stages"`
		StageTimeout string           `yaml:"stage_timeout"`
	}
	var raw rawOptions
	if err := value.Decode(&raw); err != nil {
		return err
	}
	o.Type = raw.Type
	o.Description = raw.Description
	o.Stages = raw.Stages
	if raw.StageTimeout != "" {
		timeout, err := time.ParseDuration(raw.StageTimeout)
		if err != nil {
			return err
		}
		o.StageTimeout = timeout
	}
	return nil
}

// Template is an immutable workflow definition: a DAG of stages, each bound
// to a required capability. Loaded once at startup and never mutated.
type Template struct {
	workflowType string
	description  string
	stages       []*StageTemplate
	stagesByID   map[string]*StageTemplate
	stageTimeout time.Duration
	plan         *Plan
}

// NewTemplate returns a new Template configured with the given options. A
// template with a cycle, a dependency on an undefined stage, or a duplicate
// stage ID is rejected here, at load time, not at run time.
func NewTemplate(opts TemplateOptions) (*Template, error) {
	if opts.Type == "" {
		return nil, NewError(ErrorTypeTemplateInvalid, "workflow type required")
	}
	if len(opts.Stages) == 0 {
		return nil, NewError(ErrorTypeTemplateInvalid, "stages required")
	}

	stagesByID := make(map[string]*StageTemplate, len(opts.Stages))
	for _, stage := range opts.Stages {
		if stage.ID == "" {
			return nil, NewError(ErrorTypeTemplateInvalid, "stage id required")
		}
		if stage.Capability == "" {
			return nil, NewError(ErrorTypeTemplateInvalid, "stage %q: capability required", stage.ID)
		}
		if _, exists := stagesByID[stage.ID]; exists {
			return nil, NewError(ErrorTypeTemplateInvalid, "duplicate stage id %q", stage.ID)
		}
		stagesByID[stage.ID] = stage
	}
	for _, stage := range opts.Stages {
		for _, dep := range stage.DependsOn {
			if _, ok := stagesByID[dep]; !ok {
				return nil, NewError(ErrorTypeTemplateInvalid,
					"stage %q depends on undefined stage %q", stage.ID, dep)
			}
			if dep == stage.ID {
				return nil, NewError(ErrorTypeTemplateInvalid,
					"stage %q depends on itself", stage.ID)
			}
		}
	}

	plan, err := newPlan(opts.Stages)
	if err != nil {
		return nil, err
	}

	return &Template{
		workflowType: opts.Type,
		description:  opts.Description,
		stages:       opts.Stages,
		stagesByID:   stagesByID,
		stageTimeout: opts.StageTimeout,
		plan:         plan,
	}, nil
}

// Type returns the workflow type identifier
func (t *Template) Type() string {
	return t.workflowType
}

// Description returns the template description
func (t *Template) Description() string {
	return t.description
}

// Stages returns the stages in declaration order
func (t *Template) Stages() []*StageTemplate {
	return t.stages
}

// Stage returns a stage by ID
func (t *Template) Stage(id string) (*StageTemplate, bool) {
	stage, ok := t.stagesByID[id]
	return stage, ok
}

// StageIDs returns the IDs of all stages, sorted
func (t *Template) StageIDs() []string {
	ids := make([]string, 0, len(t.stagesByID))
	for id := range t.stagesByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StageTimeout returns the default per-candidate timeout for this template.
// Zero means the scheduler default applies.
func (t *Template) StageTimeout() time.Duration {
	return t.stageTimeout
}

// Plan returns the precomputed execution plan for this template.
func (t *Template) Plan() *Plan {
	return t.plan
}

// Capabilities returns the distinct capabilities the template's stages
// require, sorted.
func (t *Template) Capabilities() []string {
	seen := map[string]bool{}
	var caps []string
	for _, stage := range t.stages {
		if !seen[stage.Capability] {
			seen[stage.Capability] = true
			caps = append(caps, stage.Capability)
		}
	}
	sort.Strings(caps)
	return caps
}

// LoadTemplateFile loads a workflow template from a YAML file
func LoadTemplateFile(path string) (*Template, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(ErrorTypeTemplateInvalid, err)
	}
	return LoadTemplateString(string(yamlData))
}

// LoadTemplateString loads a workflow template from a YAML string
func LoadTemplateString(data string) (*Template, error) {
	var opts TemplateOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, WrapError(ErrorTypeTemplateInvalid, err)
	}
	return NewTemplate(opts)
}

// Library holds workflow templates keyed by workflow type.
type Library struct {
	mutex     sync.RWMutex
	templates map[string]*Template
}

// NewLibrary creates an empty template library.
func NewLibrary() *Library {
	return &Library{templates: map[string]*Template{}}
}

// Add registers a template, replacing any prior template of the same type.
func (l *Library) Add(t *Template) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.templates[t.Type()] = t
}

// Get returns the template for the given workflow type.
func (l *Library) Get(workflowType string) (*Template, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	t, ok := l.templates[workflowType]
	return t, ok
}

// Types returns the registered workflow types, sorted.
func (l *Library) Types() []string {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	types := make([]string, 0, len(l.templates))
	for workflowType := range l.templates {
		types = append(types, workflowType)
	}
	sort.Strings(types)
	return types
}

// LoadLibraryDir loads every .yaml/.yml file in a directory into a Library.
// An invalid template is fatal to that template only: it is reported and the
// rest of the directory still loads.
func LoadLibraryDir(dir string) (*Library, []error) {
	library := NewLibrary()
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return library, []error{err}
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		template, err := LoadTemplateFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		library.Add(template)
	}
	return library, errs
}
