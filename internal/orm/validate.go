package orm

import (
	"context"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
)

// normalize копирует obj с объявленными именами атрибутов; неизвестный ключ —
// ошибка InvalidAttribute.
func (dc *DataContext) normalize(m *model.ModelDefinition, obj map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		f := dc.Registry.Field(m, k)
		if f == nil {
			return nil, dataerr.InvalidAttribute(m.Name, k, "unknown attribute")
		}
		out[f.Name] = v
	}
	return out, nil
}

// required проверяет обязательные атрибуты: при вставке они должны быть заданы,
// при обновлении их нельзя обнулить. Счётчики заполняет база.
func (dc *DataContext) required(m *model.ModelDefinition, obj map[string]any, inserting bool) error {
	for _, f := range dc.Registry.Attributes(m) {
		if f.IsNullable() || f.Many {
			continue
		}
		v, present := obj[f.Name]
		if inserting && strings.EqualFold(f.Type, "Counter") {
			continue
		}
		if (inserting && !present) || (present && v == nil) {
			return dataerr.InvalidAttribute(m.Name, f.Name, "value is required")
		}
	}
	return nil
}

// validateObject — проверка вложенного JSON-объекта перед сохранением: сначала
// обязательные свойства, затем вложенные объекты следующего уровня.
func (dc *DataContext) validateObject(ctx context.Context, m *model.ModelDefinition, obj map[string]any) error {
	if err := dc.required(m, obj, true); err != nil {
		return err
	}
	return dc.projector.BeforeSave(ctx, m, obj)
}
