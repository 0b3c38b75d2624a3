// Package jsonattr обрабатывает JSON-атрибуты моделей: проверка вложенных
// объектов перед сохранением и разбор значений после выборки.
package jsonattr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
)

// Selection связывает ключ строки результата с атрибутом и отложенным путём JSON.
type Selection struct {
	Key      string
	Field    *model.FieldDefinition
	JSONPath []string
}

// Pipeline — проверка before.save модели; для вложенных объектов вызывается рекурсивно.
type Pipeline func(ctx context.Context, m *model.ModelDefinition, obj map[string]any) error

type Projector struct {
	registry *model.Registry
	pipeline Pipeline
}

// NewProjector returns a projector; without a pipeline sub-objects are checked
// by the projector itself.
func NewProjector(reg *model.Registry, pipeline Pipeline) *Projector {
	p := &Projector{registry: reg, pipeline: pipeline}
	if p.pipeline == nil {
		p.pipeline = p.BeforeSave
	}
	return p
}

// BeforeSave validates typed JSON sub-objects of obj against their models and
// normalizes property names to the declared ones.
func (p *Projector) BeforeSave(ctx context.Context, m *model.ModelDefinition, obj map[string]any) error {
	for _, f := range p.registry.Attributes(m) {
		if !f.IsJSON() {
			continue
		}
		v, ok := obj[f.Name]
		if !ok || v == nil {
			continue
		}
		if s, isText := v.(string); isText {
			parsed, err := decode([]byte(s))
			if err != nil {
				return dataerr.InvalidAttribute(m.Name, f.Name, "invalid JSON: %v", err)
			}
			v = parsed
			obj[f.Name] = v
		}
		if f.AdditionalType == "" {
			continue
		}
		target, found := p.registry.Get(f.AdditionalType)
		if !found {
			return dataerr.InvalidModel(f.AdditionalType, "sub-object type of %s.%s is not registered", m.Name, f.Name)
		}
		switch x := v.(type) {
		case map[string]any:
			if err := p.subObject(ctx, target, x); err != nil {
				return err
			}
		case []any:
			for _, item := range x {
				sub, isObj := item.(map[string]any)
				if !isObj {
					return dataerr.InvalidAttribute(m.Name, f.Name, "array items must be %s objects", target.Name)
				}
				if err := p.subObject(ctx, target, sub); err != nil {
					return err
				}
			}
		default:
			return dataerr.InvalidAttribute(m.Name, f.Name, "expected %s object, got %T", target.Name, v)
		}
	}
	return nil
}

func (p *Projector) subObject(ctx context.Context, target *model.ModelDefinition, sub map[string]any) error {
	for key, val := range sub {
		f := p.registry.Field(target, key)
		if f == nil {
			return dataerr.InvalidProperty(target.Name, key)
		}
		if f.Name != key {
			delete(sub, key)
			sub[f.Name] = val
		}
	}
	return p.pipeline(ctx, target, sub)
}

// AfterSelect decodes JSON columns of a single row (map[string]any) or of rows
// ([]map[string]any) and extracts deferred JSON paths. Strings that are not
// JSON are left as they are.
func (p *Projector) AfterSelect(result any, sels []Selection) {
	switch x := result.(type) {
	case map[string]any:
		project(x, sels)
	case []map[string]any:
		for _, row := range x {
			project(row, sels)
		}
	case []any:
		for _, item := range x {
			if row, ok := item.(map[string]any); ok {
				project(row, sels)
			}
		}
	}
}

func project(row map[string]any, sels []Selection) {
	for _, s := range sels {
		if s.Field == nil || !s.Field.IsJSON() {
			continue
		}
		v, ok := row[s.Key]
		if !ok {
			continue
		}
		switch raw := v.(type) {
		case string:
			if parsed, err := decode([]byte(raw)); err == nil {
				v = parsed
			}
		case []byte:
			if parsed, err := decode(raw); err == nil {
				v = parsed
			} else {
				v = string(raw)
			}
		case json.RawMessage:
			if parsed, err := decode(raw); err == nil {
				v = parsed
			}
		}
		if len(s.JSONPath) > 0 {
			v = Extract(v, s.JSONPath)
		}
		row[s.Key] = v
	}
}

// Extract walks keys through nested objects; a missing key gives nil.
func Extract(v any, keys []string) any {
	for _, k := range keys {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = obj[k]
	}
	return v
}

func decode(b []byte) (any, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return nil, errNotJSON
	}
	var out any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

var errNotJSON = errors.New("not a JSON object or array")

// normalizeNumbers: целые остаются int64, остальные float64.
func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeNumbers(item)
		}
	case []any:
		for i, item := range x {
			x[i] = normalizeNumbers(item)
		}
	}
	return v
}

// Encode renders a JSON attribute value as text for a jsonb parameter.
func Encode(v any) (any, error) {
	switch x := v.(type) {
	case nil, string:
		return v, nil
	case []byte:
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
