package plan

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"warroom/internal/domain"
)

// ErrUnknownPlan is returned when a plan name is not registered.
var ErrUnknownPlan = errors.New("unknown plan")

//go:embed templates/*.yaml
var builtinFS embed.FS

// Registry holds immutable battle plan templates. Built-ins ship as YAML
// data, and user templates loaded from the workspace may shadow them.
type Registry struct {
	plans map[string]domain.BattlePlan
}

// NewRegistry loads the built-in templates.
func NewRegistry() (*Registry, error) {
	r := &Registry{plans: make(map[string]domain.BattlePlan)}
	entries, err := builtinFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, err
		}
		p, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("builtin template %s: %w", entry.Name(), err)
		}
		r.plans[p.Name] = p
	}
	return r, nil
}

// Parse decodes and validates one plan template.
func Parse(data []byte) (domain.BattlePlan, error) {
	var p domain.BattlePlan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, err
	}
	return p, Validate(p)
}

// Validate rejects structurally unusable plans.
func Validate(p domain.BattlePlan) error {
	if p.Name == "" {
		return errors.New("plan name is required")
	}
	if len(p.Phases) == 0 {
		return fmt.Errorf("plan %s has no phases", p.Name)
	}
	seen := make(map[string]bool)
	for i, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("plan %s: phase %d has no name", p.Name, i)
		}
		if ph.Role == "" {
			return fmt.Errorf("plan %s: phase %s has no role", p.Name, ph.Name)
		}
		if seen[ph.Name] {
			return fmt.Errorf("plan %s: duplicate phase name %s", p.Name, ph.Name)
		}
		seen[ph.Name] = true
	}
	return nil
}

// Register adds or replaces one plan.
func (r *Registry) Register(p domain.BattlePlan) error {
	if err := Validate(p); err != nil {
		return err
	}
	r.plans[p.Name] = p
	return nil
}

// LoadDir registers every *.yaml plan found under dir; a missing dir is not
// an error so a fresh workspace works out of the box.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		p, err := Parse(data)
		if err != nil {
			return fmt.Errorf("template %s: %w", entry.Name(), err)
		}
		r.plans[p.Name] = p
	}
	return nil
}

// Get returns the named plan or ErrUnknownPlan.
func (r *Registry) Get(name string) (domain.BattlePlan, error) {
	p, ok := r.plans[name]
	if !ok {
		return p, fmt.Errorf("%s: %w", name, ErrUnknownPlan)
	}
	return p, nil
}

// List returns registered plans sorted by name.
func (r *Registry) List() []domain.BattlePlan {
	names := make([]string, 0, len(r.plans))
	for name := range r.plans {
		names = append(names, name)
	}
	sort.Strings(names)
	res := make([]domain.BattlePlan, 0, len(names))
	for _, name := range names {
		res = append(res, r.plans[name])
	}
	return res
}
