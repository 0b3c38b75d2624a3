package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"YrestData/internal/dataerr"
)

var primitiveTypes = []string{
	"Counter", "Integer", "Short", "Number", "Float", "Decimal", "Boolean",
	"Text", "Note", "Email", "URL", "Date", "DateTime", "Time", "Duration",
	"Guid", "Json", "Object", "Binary",
}

// Registry хранит определения моделей и выведенные связи между ними.
// Чтение безопасно из нескольких горутин; Set во время выполнения запросов
// не синхронизирован с уже построенными планами.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]*ModelDefinition
	types    map[string]bool
	index    *AssociationIndex
	assoc    map[string]*Association
	dirty    bool
	gen      uint64
	maxDepth int
}

type RegistryOption func(*Registry)

// WithMaxDepth ограничивает число сегментов в пути атрибута.
func WithMaxDepth(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithDataType регистрирует дополнительный примитивный тип.
func WithDataType(name string) RegistryOption {
	return func(r *Registry) { r.types[strings.ToLower(name)] = true }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		models:   map[string]*ModelDefinition{},
		types:    map[string]bool{},
		index:    newAssociationIndex(),
		assoc:    map[string]*Association{},
		maxDepth: 8,
	}
	for _, t := range primitiveTypes {
		r.types[strings.ToLower(t)] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Set регистрирует (или заменяет) модель. Связи пересчитываются лениво.
func (r *Registry) Set(def *ModelDefinition) error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return dataerr.InvalidModel("", "model name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[strings.ToLower(def.Name)] = def
	r.dirty = true
	r.gen++
	return nil
}

// Get ищет модель без учёта регистра, с откатом на единственное/множественное число.
func (r *Registry) Get(name string) (*ModelDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(name)
}

func (r *Registry) lookupLocked(name string) (*ModelDefinition, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, false
	}
	if m, ok := r.models[key]; ok {
		return m, true
	}
	if m, ok := r.models[strings.ToLower(singularize(key))]; ok {
		return m, true
	}
	if m, ok := r.models[strings.ToLower(pluralize(key))]; ok {
		return m, true
	}
	return nil, false
}

// MustGet is Get returning InvalidModel when the model is missing.
func (r *Registry) MustGet(name string) (*ModelDefinition, error) {
	m, ok := r.Get(name)
	if !ok {
		return nil, dataerr.InvalidModel(name, "model not found")
	}
	return m, nil
}

// HasDataType reports whether name is a primitive (non-model) type.
func (r *Registry) HasDataType(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[strings.ToLower(name)]
}

// Models returns registered models ordered by name.
func (r *Registry) Models() []*ModelDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ModelDefinition, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Base returns the inherited model, if any.
func (r *Registry) Base(m *ModelDefinition) *ModelDefinition {
	if m == nil || m.Inherits == "" {
		return nil
	}
	base, _ := r.Get(m.Inherits)
	return base
}

// Attributes — поля модели вместе с унаследованными; собственные перекрывают базовые.
func (r *Registry) Attributes(m *ModelDefinition) []*FieldDefinition {
	var chain []*ModelDefinition
	seen := map[*ModelDefinition]bool{}
	for cur := m; cur != nil && !seen[cur]; cur = r.Base(cur) {
		seen[cur] = true
		chain = append(chain, cur)
	}
	out := make([]*FieldDefinition, 0, len(m.Fields))
	pos := map[string]int{}
	for i := len(chain) - 1; i >= 0; i-- {
		for _, f := range chain[i].Fields {
			key := strings.ToLower(f.Name)
			if idx, ok := pos[key]; ok {
				out[idx] = f
				continue
			}
			pos[key] = len(out)
			out = append(out, f)
		}
	}
	return out
}

// Field ищет атрибут: точное имя, без регистра, затем единственное/множественное число.
func (r *Registry) Field(m *ModelDefinition, name string) *FieldDefinition {
	attrs := r.Attributes(m)
	for _, f := range attrs {
		if f.Name == name {
			return f
		}
	}
	for _, candidate := range []string{name, singularize(name), pluralize(name)} {
		for _, f := range attrs {
			if strings.EqualFold(f.Name, candidate) {
				return f
			}
		}
	}
	return nil
}

// PrimaryKey returns the primary field; a field named "id" is the fallback.
func (r *Registry) PrimaryKey(m *ModelDefinition) *FieldDefinition {
	attrs := r.Attributes(m)
	for _, f := range attrs {
		if f.Primary {
			return f
		}
	}
	for _, f := range attrs {
		if strings.EqualFold(f.Name, "id") {
			return f
		}
	}
	return nil
}

func (r *Registry) primaryName(m *ModelDefinition) string {
	if pk := r.PrimaryKey(m); pk != nil {
		return pk.Name
	}
	return "id"
}

// Association returns the resolved mapping of an association field.
func (r *Registry) Association(m *ModelDefinition, field *FieldDefinition) (*Association, error) {
	if err := r.ensureLinked(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	a, ok := r.assoc[assocKey(m.Name, field.Name)]
	r.mu.RUnlock()
	if !ok {
		return nil, dataerr.InvalidAttribute(m.Name, field.Name, "attribute is not an association")
	}
	return a, nil
}

// Stored reports whether f has a column in the table of m: primitive and JSON
// attributes and foreign keys of associations declared on the child side.
func (r *Registry) Stored(m *ModelDefinition, f *FieldDefinition) bool {
	if r.HasDataType(f.Type) {
		return true
	}
	a, err := r.Association(m, f)
	return err == nil && !a.IsJunction() && !a.ParentSide
}

// AssociationsBetween returns every mapping between a and b regardless of declaring side.
func (r *Registry) AssociationsBetween(a, b string) []*AssociationMapping {
	if err := r.ensureLinked(); err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Between(a, b)
}

func (r *Registry) ensureLinked() error {
	r.mu.RLock()
	dirty := r.dirty
	r.mu.RUnlock()
	if !dirty {
		return nil
	}
	return r.Link()
}

func assocKey(model, field string) string {
	return strings.ToLower(model) + "." + strings.ToLower(field)
}

func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Registry(%d models)", len(r.models))
}
