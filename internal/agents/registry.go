// ABOUTME: Registry of specialized agent definitions shared by single-agent turns and workflows
// ABOUTME: Definitions are validated with go-playground/validator and stored by value

package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrDuplicateAgent indicates an agent with the same name is already registered.
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrUnknownAgent indicates the named agent is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrInvalidDefinition wraps validation failures of a Definition.
var ErrInvalidDefinition = errors.New("invalid agent definition")

// Definition describes one specialized agent. It is immutable once registered:
// Get returns copies.
type Definition struct {
	Name           string   `yaml:"name" json:"name" validate:"required,slug"`
	Description    string   `yaml:"description" json:"description"`
	Instructions   string   `yaml:"instructions" json:"instructions" validate:"required"`
	HandoffTargets []string `yaml:"handoff_targets" json:"handoff_targets,omitempty" validate:"omitempty,unique,dive,slug"`
	Tools          []string `yaml:"tools" json:"tools,omitempty" validate:"omitempty,unique,dive,required"`
	Model          string   `yaml:"model" json:"model,omitempty"`
}

func (d Definition) clone() Definition {
	d.HandoffTargets = slices.Clone(d.HandoffTargets)
	d.Tools = slices.Clone(d.Tools)
	return d
}

// CanHandOffTo reports whether target is one of the declared handoff targets.
func (d Definition) CanHandOffTo(target string) bool {
	return slices.Contains(d.HandoffTargets, target)
}

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func validateSlug(fl validator.FieldLevel) bool {
	return slugPattern.MatchString(fl.Field().String())
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", validateSlug)
	return v
}

// Registry holds agent definitions by name.
type Registry struct {
	mu       sync.RWMutex
	defs     map[string]Definition
	validate *validator.Validate
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:     make(map[string]Definition),
		validate: newValidator(),
		logger:   logger.With("component", "agents"),
	}
}

// NewDefaultRegistry creates a registry holding DefaultCatalog.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, d := range DefaultCatalog() {
		if err := r.Register(d); err != nil {
			panic(fmt.Sprintf("default catalog: %v", err))
		}
	}
	return r
}

// Validate checks a definition without registering it.
func (r *Registry) Validate(d Definition) error {
	if err := r.validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%w %q: field %s failed %q", ErrInvalidDefinition, d.Name, e.Namespace(), e.Tag())
		}
		return fmt.Errorf("%w %q: %v", ErrInvalidDefinition, d.Name, err)
	}
	if d.CanHandOffTo(d.Name) {
		return fmt.Errorf("%w %q: cannot hand off to itself", ErrInvalidDefinition, d.Name)
	}
	return nil
}

// Register adds a definition.
// Returns ErrDuplicateAgent if the name is taken.
func (r *Registry) Register(d Definition) error {
	if err := r.Validate(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, d.Name)
	}
	r.defs[d.Name] = d.clone()
	r.logger.Debug("agent registered", "agent", d.Name, "handoff_targets", d.HandoffTargets, "tools", d.Tools)
	return nil
}

// Override registers d, replacing any existing definition with the same name.
func (r *Registry) Override(d Definition) error {
	if err := r.Validate(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, replaced := r.defs[d.Name]
	r.defs[d.Name] = d.clone()
	r.logger.Info("agent defined", "agent", d.Name, "replaced", replaced)
	return nil
}

// Get returns a copy of the named definition.
func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return d.clone(), nil
}

// List returns copies of every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
