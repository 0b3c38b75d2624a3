package model

import (
	"sort"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/logger"
)

const (
	defaultObjectField = "parentId"
	defaultValueField  = "valueId"
)

// Association — связь, выведенная для конкретного поля конкретной модели.
type Association struct {
	Mapping *AssociationMapping
	Owner   string
	Field   *FieldDefinition
	// ParentSide: поле объявлено на стороне родителя (has-many / junction parent).
	ParentSide bool
	// Declared: связь взята из явного mapping или поля many:false, а не выведена с обратной стороны.
	Declared bool
}

func (a *Association) IsJunction() bool {
	return a.Mapping.AssociationType == AssociationTypeJunction
}

// IsCollection — связь даёт несколько строк на одну строку владельца.
func (a *Association) IsCollection() bool {
	return a.IsJunction() || (a.ParentSide && a.Field.Many)
}

// Related returns the model on the other side of the association.
func (a *Association) Related() string {
	if a.ParentSide {
		return a.Mapping.ChildModel
	}
	return a.Mapping.ParentModel
}

// AssociationIndex отображает неупорядоченную пару моделей на связи между ними.
type AssociationIndex struct {
	pairs map[string][]*Association
}

func newAssociationIndex() *AssociationIndex {
	return &AssociationIndex{pairs: map[string][]*Association{}}
}

func pairKey(a, b string) string {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func (ix *AssociationIndex) add(a *Association) {
	key := pairKey(a.Mapping.ParentModel, a.Mapping.ChildModel)
	for _, existing := range ix.pairs[key] {
		if existing.Mapping == a.Mapping {
			return
		}
	}
	ix.pairs[key] = append(ix.pairs[key], a)
}

func (ix *AssociationIndex) associations(a, b string) []*Association {
	return ix.pairs[pairKey(a, b)]
}

// Between returns the distinct mappings between a and b.
func (ix *AssociationIndex) Between(a, b string) []*AssociationMapping {
	var out []*AssociationMapping
	for _, assoc := range ix.associations(a, b) {
		out = append(out, assoc.Mapping)
	}
	return out
}

type pendingMany struct {
	model *ModelDefinition
	field *FieldDefinition
}

// Link validates every registered model and rebuilds the association index.
func (r *Registry) Link() error {
	r.mu.RLock()
	gen := r.gen
	models := make([]*ModelDefinition, 0, len(r.models))
	for _, m := range r.models {
		models = append(models, m)
	}
	r.mu.RUnlock()
	sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })

	if err := r.validate(models); err != nil {
		return err
	}

	index := newAssociationIndex()
	assoc := map[string]*Association{}
	var pending []pendingMany

	for _, m := range models {
		for _, f := range r.Attributes(m) {
			if r.HasDataType(f.Type) {
				continue
			}
			if f.Mapping == nil && f.Many {
				pending = append(pending, pendingMany{model: m, field: f})
				continue
			}
			a, err := r.declaredAssociation(m, f)
			if err != nil {
				return err
			}
			assoc[assocKey(m.Name, f.Name)] = a
			index.add(a)
		}
	}

	for _, p := range pending {
		a := r.inverseAssociation(index, p.model, p.field)
		if a == nil {
			a = r.defaultJunction(p.model, p.field)
			index.add(a)
		}
		assoc[assocKey(p.model.Name, p.field.Name)] = a
	}

	r.mu.Lock()
	r.index = index
	r.assoc = assoc
	if r.gen == gen {
		r.dirty = false
	}
	r.mu.Unlock()

	logger.Debug("registry_linked", map[string]any{
		"models":       len(models),
		"associations": len(assoc),
	})
	return nil
}

func (r *Registry) validate(models []*ModelDefinition) error {
	for _, m := range models {
		if m.Inherits != "" {
			if _, ok := r.Get(m.Inherits); !ok {
				return dataerr.InvalidModel(m.Name, "inherited model %q not found", m.Inherits)
			}
			if r.inherits(m, m.Name) {
				return dataerr.InvalidModel(m.Name, "inheritance cycle")
			}
		}
		primaries := 0
		for _, f := range m.Fields {
			if strings.TrimSpace(f.Name) == "" {
				return dataerr.InvalidModel(m.Name, "field without name")
			}
			if f.Type == "" {
				f.Type = "Text"
			}
			if f.Primary {
				primaries++
			}
			if !r.HasDataType(f.Type) {
				if _, ok := r.Get(f.Type); !ok {
					return dataerr.InvalidModel(m.Name, "unknown type %q of field %s", f.Type, f.Name)
				}
			}
			if f.AdditionalType != "" {
				if _, ok := r.Get(f.AdditionalType); !ok {
					return dataerr.InvalidModel(m.Name, "additional type %q of field %s not found", f.AdditionalType, f.Name)
				}
			}
		}
		if primaries > 1 {
			return dataerr.InvalidModel(m.Name, "model declares %d primary fields", primaries)
		}
	}
	return nil
}

// declaredAssociation строит связь из явного mapping или из поля many:false.
func (r *Registry) declaredAssociation(m *ModelDefinition, f *FieldDefinition) (*Association, error) {
	related, _ := r.Get(f.Type)
	if f.Mapping == nil {
		return &Association{
			Mapping: &AssociationMapping{
				ParentModel:     related.Name,
				ParentField:     r.primaryName(related),
				ChildModel:      m.Name,
				ChildField:      f.Name,
				AssociationType: AssociationTypeAssociation,
			},
			Owner:    m.Name,
			Field:    f,
			Declared: true,
		}, nil
	}

	mp := *f.Mapping
	if mp.AssociationType == "" {
		if mp.AssociationAdapter != "" {
			mp.AssociationType = AssociationTypeJunction
		} else {
			mp.AssociationType = AssociationTypeAssociation
		}
	}
	if mp.ParentModel == "" || mp.ChildModel == "" {
		if mp.AssociationType == AssociationTypeJunction || f.Many {
			mp.ParentModel, mp.ChildModel = orDefault(mp.ParentModel, m.Name), orDefault(mp.ChildModel, related.Name)
		} else {
			mp.ParentModel, mp.ChildModel = orDefault(mp.ParentModel, related.Name), orDefault(mp.ChildModel, m.Name)
			mp.ChildField = orDefault(mp.ChildField, f.Name)
		}
	}
	parent, ok := r.Get(mp.ParentModel)
	if !ok {
		return nil, dataerr.InvalidModel(m.Name, "mapping parent model %q of field %s not found", mp.ParentModel, f.Name)
	}
	child, ok := r.Get(mp.ChildModel)
	if !ok {
		return nil, dataerr.InvalidModel(m.Name, "mapping child model %q of field %s not found", mp.ChildModel, f.Name)
	}
	mp.ParentModel, mp.ChildModel = parent.Name, child.Name
	mp.ParentField = orDefault(mp.ParentField, r.primaryName(parent))

	if mp.AssociationType == AssociationTypeJunction {
		mp.ChildField = orDefault(mp.ChildField, r.primaryName(child))
		mp.AssociationAdapter = orDefault(mp.AssociationAdapter, parent.Name+capitalize(f.Name))
		mp.AssociationObjectField = orDefault(mp.AssociationObjectField, defaultObjectField)
		mp.AssociationValueField = orDefault(mp.AssociationValueField, defaultValueField)
		parentSide := strings.EqualFold(parent.Name, m.Name) || r.inherits(m, parent.Name)
		return &Association{Mapping: &mp, Owner: m.Name, Field: f, ParentSide: parentSide, Declared: true}, nil
	}

	if mp.ChildField == "" {
		for _, cf := range r.Attributes(child) {
			if strings.EqualFold(cf.Type, parent.Name) && !cf.Many {
				mp.ChildField = cf.Name
				break
			}
		}
		if mp.ChildField == "" {
			return nil, dataerr.InvalidModel(m.Name, "cannot infer child field of %s", f.Name)
		}
	}
	childSide := (strings.EqualFold(child.Name, m.Name) || r.inherits(m, child.Name)) && strings.EqualFold(mp.ChildField, f.Name)
	return &Association{Mapping: &mp, Owner: m.Name, Field: f, ParentSide: !childSide, Declared: true}, nil
}

// inverseAssociation ищет в индексе связь, объявленную с другой стороны.
func (r *Registry) inverseAssociation(index *AssociationIndex, m *ModelDefinition, f *FieldDefinition) *Association {
	related, _ := r.Get(f.Type)
	seen := map[*ModelDefinition]bool{}
	for cur := m; cur != nil && !seen[cur]; cur = r.Base(cur) {
		seen[cur] = true
		for _, other := range index.associations(cur.Name, related.Name) {
			if !other.Declared || other.Field == f {
				continue
			}
			// сторона обратной связи противоположна объявленной
			return &Association{
				Mapping:    other.Mapping,
				Owner:      m.Name,
				Field:      f,
				ParentSide: !other.ParentSide,
			}
		}
	}
	return nil
}

func (r *Registry) defaultJunction(m *ModelDefinition, f *FieldDefinition) *Association {
	related, _ := r.Get(f.Type)
	return &Association{
		Mapping: &AssociationMapping{
			ParentModel:            m.Name,
			ParentField:            r.primaryName(m),
			ChildModel:             related.Name,
			ChildField:             r.primaryName(related),
			AssociationType:        AssociationTypeJunction,
			AssociationAdapter:     m.Name + capitalize(f.Name),
			AssociationObjectField: defaultObjectField,
			AssociationValueField:  defaultValueField,
		},
		Owner:      m.Name,
		Field:      f,
		ParentSide: true,
		Declared:   true,
	}
}

func (r *Registry) inherits(m *ModelDefinition, name string) bool {
	seen := map[*ModelDefinition]bool{}
	for cur := r.Base(m); cur != nil && !seen[cur]; cur = r.Base(cur) {
		seen[cur] = true
		if strings.EqualFold(cur.Name, name) {
			return true
		}
	}
	return false
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
