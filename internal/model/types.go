package model

import (
	"fmt"
	"strings"
)

// Mask — битовая маска операций привилегии.
type Mask int

const (
	MaskRead   Mask = 1
	MaskCreate Mask = 2
	MaskUpdate Mask = 4
	MaskDelete Mask = 8
	MaskAll    Mask = 15
)

// Has reports whether every bit of b is set in m.
func (m Mask) Has(b Mask) bool { return b != 0 && m&b == b }

// Privilege types.
const (
	PrivilegeGlobal = "global"
	PrivilegeSelf   = "self"
	PrivilegeParent = "parent"
	PrivilegeItem   = "item"
)

// Association types.
const (
	AssociationTypeAssociation = "association"
	AssociationTypeJunction    = "junction"
)

// ModelDefinition описывает модель в конфигурации (YAML или JSON).
type ModelDefinition struct {
	Name       string                `yaml:"name" json:"name"`
	Version    string                `yaml:"version" json:"version,omitempty"`
	Source     string                `yaml:"source" json:"source,omitempty"` // таблица для записи
	View       string                `yaml:"view" json:"view,omitempty"`     // представление для чтения
	Inherits   string                `yaml:"inherits" json:"inherits,omitempty"`
	Implements string                `yaml:"implements" json:"implements,omitempty"`
	Hidden     bool                  `yaml:"hidden" json:"hidden,omitempty"`
	Fields     []*FieldDefinition    `yaml:"fields" json:"fields"`
	Privileges []PrivilegeDefinition `yaml:"privileges" json:"privileges,omitempty"`
	Views      []ViewDefinition      `yaml:"views" json:"views,omitempty"`
}

// FieldDefinition описывает атрибут модели.
type FieldDefinition struct {
	Name           string              `yaml:"name" json:"name"`
	Type           string              `yaml:"type" json:"type"`
	Nullable       *bool               `yaml:"nullable" json:"nullable,omitempty"`
	Primary        bool                `yaml:"primary" json:"primary,omitempty"`
	Many           bool                `yaml:"many" json:"many,omitempty"`
	Nested         bool                `yaml:"nested" json:"nested,omitempty"`
	Expandable     bool                `yaml:"expandable" json:"expandable,omitempty"`
	Readonly       bool                `yaml:"readonly" json:"readonly,omitempty"`
	Size           int                 `yaml:"size" json:"size,omitempty"`
	AdditionalType string              `yaml:"additionalType" json:"additionalType,omitempty"`
	Mapping        *AssociationMapping `yaml:"mapping" json:"mapping,omitempty"`
}

// AssociationMapping описывает связь между двумя моделями.
type AssociationMapping struct {
	ParentModel            string `yaml:"parentModel" json:"parentModel"`
	ParentField            string `yaml:"parentField" json:"parentField"`
	ChildModel             string `yaml:"childModel" json:"childModel"`
	ChildField             string `yaml:"childField" json:"childField"`
	AssociationType        string `yaml:"associationType" json:"associationType,omitempty"`
	AssociationAdapter     string `yaml:"associationAdapter" json:"associationAdapter,omitempty"`
	AssociationObjectField string `yaml:"associationObjectField" json:"associationObjectField,omitempty"`
	AssociationValueField  string `yaml:"associationValueField" json:"associationValueField,omitempty"`
	Cascade                string `yaml:"cascade" json:"cascade,omitempty"`
}

// PrivilegeDefinition — правило доступа на уровне модели или строки.
type PrivilegeDefinition struct {
	Mask            Mask     `yaml:"mask" json:"mask"`
	Type            string   `yaml:"type" json:"type"`
	Account         string   `yaml:"account" json:"account,omitempty"`
	Filter          string   `yaml:"filter" json:"filter,omitempty"`
	ParentPrivilege string   `yaml:"parentPrivilege" json:"parentPrivilege,omitempty"`
	Exclude         string   `yaml:"exclude" json:"exclude,omitempty"`
	Scope           []string `yaml:"scope" json:"scope,omitempty"`
	Target          any      `yaml:"target" json:"target,omitempty"`
}

// ViewDefinition — именованная проекция с ограниченным набором полей.
type ViewDefinition struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []string `yaml:"fields" json:"fields"`
}

// IsNullable returns the declared nullability, true when omitted.
func (f *FieldDefinition) IsNullable() bool {
	if f.Nullable == nil {
		return !f.Primary
	}
	return *f.Nullable
}

// IsJSON — поле хранит JSON-документ.
func (f *FieldDefinition) IsJSON() bool {
	return strings.EqualFold(f.Type, "Json") || strings.EqualFold(f.Type, "Object")
}

// ReadTable returns the relation used for SELECT.
func (m *ModelDefinition) ReadTable() string {
	if m.View != "" {
		return m.View
	}
	return m.WriteTable()
}

// WriteTable returns the relation used for INSERT/UPDATE/DELETE.
func (m *ModelDefinition) WriteTable() string {
	if m.Source != "" {
		return m.Source
	}
	return m.Name
}

// ViewByName returns the named view definition.
func (m *ModelDefinition) ViewByName(name string) (*ViewDefinition, bool) {
	for i := range m.Views {
		if strings.EqualFold(m.Views[i].Name, name) {
			return &m.Views[i], true
		}
	}
	return nil, false
}

// TargetString нормализует target привилегии (YAML даёт int, JSON — float64).
func (p PrivilegeDefinition) TargetString() (string, bool) {
	switch v := p.Target.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprint(v), true
	default:
		return fmt.Sprint(v), true
	}
}

// Clone returns a deep copy so callers can patch privileges without touching a registered model.
func (m *ModelDefinition) Clone() *ModelDefinition {
	out := *m
	out.Fields = make([]*FieldDefinition, len(m.Fields))
	for i, f := range m.Fields {
		fc := *f
		if f.Mapping != nil {
			mc := *f.Mapping
			fc.Mapping = &mc
		}
		out.Fields[i] = &fc
	}
	out.Privileges = append([]PrivilegeDefinition(nil), m.Privileges...)
	out.Views = append([]ViewDefinition(nil), m.Views...)
	return &out
}
