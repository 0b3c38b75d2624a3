package orm

import (
	"context"
	"fmt"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/filter"
	"YrestData/internal/jsonattr"
	"YrestData/internal/logger"
	"YrestData/internal/model"
	"YrestData/internal/privilege"

	"github.com/Masterminds/squirrel"
)

// Cascade values of an association mapping.
const (
	CascadeNone   = "none"
	CascadeDelete = "delete"
	CascadeNull   = "null"
)

// related — значение связи без собственной колонки (коллекция, junction),
// сохраняется после строки владельца.
type related struct {
	field *model.FieldDefinition
	assoc *model.Association
	value any
}

// Insert creates obj with its nested children in one transaction and returns
// the stored object with generated keys. A missing create grant is AccessDenied.
func (dm *DataModel) Insert(ctx context.Context, obj map[string]any) (map[string]any, error) {
	var out map[string]any
	err := dm.dc.Adapter.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = dm.insert(ctx, obj)
		return err
	})
	return out, err
}

// Update changes the stored attributes present in obj; obj must carry the key.
func (dm *DataModel) Update(ctx context.Context, obj map[string]any) (map[string]any, error) {
	var out map[string]any
	err := dm.dc.Adapter.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = dm.update(ctx, obj)
		return err
	})
	return out, err
}

// Save updates obj when a row with its key exists and inserts it otherwise.
func (dm *DataModel) Save(ctx context.Context, obj map[string]any) (map[string]any, error) {
	var out map[string]any
	err := dm.dc.Adapter.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		var err error
		out, err = dm.save(ctx, obj)
		return err
	})
	return out, err
}

// Remove deletes the row identified by the key of obj, its junction links and
// children of cascading associations.
func (dm *DataModel) Remove(ctx context.Context, obj map[string]any) error {
	return dm.dc.Adapter.ExecuteInTransaction(ctx, func(ctx context.Context) error {
		return dm.remove(ctx, obj)
	})
}

func (dm *DataModel) primaryKey() (*model.FieldDefinition, error) {
	pk := dm.dc.Registry.PrimaryKey(dm.Model)
	if pk == nil {
		return nil, dataerr.InvalidModel(dm.Model.Name, "model has no primary key")
	}
	return pk, nil
}

func (dm *DataModel) authorize(ctx context.Context, mask model.Mask, obj map[string]any) error {
	if dm.silent {
		return nil
	}
	return dm.dc.Privileges.Authorize(ctx, dm.Model, privilege.FromContext(ctx), mask, obj)
}

func (dm *DataModel) save(ctx context.Context, obj map[string]any) (map[string]any, error) {
	pk, err := dm.primaryKey()
	if err != nil {
		return nil, err
	}
	id := lookupKey(obj, pk.Name)
	if id == nil {
		return dm.insert(ctx, obj)
	}
	exists, err := dm.exists(ctx, pk, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return dm.update(ctx, obj)
	}
	return dm.insert(ctx, obj)
}

func (dm *DataModel) exists(ctx context.Context, pk *model.FieldDefinition, id any) (bool, error) {
	sel := squirrel.Select("1").
		From(model.Quote(dm.Model.ReadTable())+" AS "+model.RootAlias).
		Where(model.Column(model.RootAlias, pk.Name)+" = ?", id).
		Limit(1)
	rows, err := dm.dc.Adapter.Execute(ctx, sel)
	return len(rows) > 0, err
}

func (dm *DataModel) insert(ctx context.Context, in map[string]any) (map[string]any, error) {
	pk, err := dm.primaryKey()
	if err != nil {
		return nil, err
	}
	obj, err := dm.dc.normalize(dm.Model, in)
	if err != nil {
		return nil, err
	}
	if err := dm.authorize(ctx, model.MaskCreate, obj); err != nil {
		return nil, err
	}
	if err := dm.dc.required(dm.Model, obj, true); err != nil {
		return nil, err
	}
	if err := dm.dc.projector.BeforeSave(ctx, dm.Model, obj); err != nil {
		return nil, err
	}
	rest, err := dm.prepareValues(ctx, obj)
	if err != nil {
		return nil, err
	}

	id := obj[pk.Name]
	for i, level := range dm.chain() {
		cols, vals, err := dm.columns(level, obj, pk)
		if err != nil {
			return nil, err
		}
		if i > 0 {
			// строка наследника получает ключ строки базы
			cols, vals = append([]string{model.Quote(pk.Name)}, cols...), append([]any{id}, vals...)
		}
		rows, err := dm.dc.Adapter.Execute(ctx, insertStatement(level.WriteTable(), cols, vals, pk.Name))
		if err != nil {
			return nil, err
		}
		if id == nil && len(rows) > 0 {
			id = rows[0][pk.Name]
		}
	}
	obj[pk.Name] = id
	if err := dm.saveRelated(ctx, id, rest, false); err != nil {
		return nil, err
	}
	logger.Debug("object_inserted", map[string]any{"model": dm.Model.Name, "id": id})
	return obj, nil
}

func insertStatement(table string, cols []string, vals []any, pk string) squirrel.Sqlizer {
	if len(cols) == 0 {
		return squirrel.Expr(fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", model.Quote(table), model.Quote(pk)))
	}
	return squirrel.Insert(model.Quote(table)).
		Columns(cols...).
		Values(vals...).
		Suffix("RETURNING " + model.Quote(pk))
}

func (dm *DataModel) update(ctx context.Context, in map[string]any) (map[string]any, error) {
	pk, err := dm.primaryKey()
	if err != nil {
		return nil, err
	}
	obj, err := dm.dc.normalize(dm.Model, in)
	if err != nil {
		return nil, err
	}
	id := obj[pk.Name]
	if id == nil {
		return nil, dataerr.InvalidAttribute(dm.Model.Name, pk.Name, "key is required to update")
	}
	if err := dm.authorize(ctx, model.MaskUpdate, obj); err != nil {
		return nil, err
	}
	if err := dm.dc.required(dm.Model, obj, false); err != nil {
		return nil, err
	}
	if err := dm.dc.projector.BeforeSave(ctx, dm.Model, obj); err != nil {
		return nil, err
	}
	rest, err := dm.prepareValues(ctx, obj)
	if err != nil {
		return nil, err
	}
	for _, level := range dm.chain() {
		cols, vals, err := dm.columns(level, obj, pk)
		if err != nil {
			return nil, err
		}
		set := make(map[string]any, len(cols))
		for i, c := range cols {
			if c != model.Quote(pk.Name) {
				set[c] = vals[i]
			}
		}
		if len(set) == 0 {
			continue
		}
		upd := squirrel.Update(model.Quote(level.WriteTable())).
			SetMap(set).
			Where(model.Quote(pk.Name)+" = ?", id)
		if _, err := dm.dc.Adapter.Execute(ctx, upd); err != nil {
			return nil, err
		}
	}
	if err := dm.saveRelated(ctx, id, rest, true); err != nil {
		return nil, err
	}
	logger.Debug("object_updated", map[string]any{"model": dm.Model.Name, "id": id})
	return obj, nil
}

func (dm *DataModel) remove(ctx context.Context, in map[string]any) error {
	pk, err := dm.primaryKey()
	if err != nil {
		return err
	}
	id := lookupKey(in, pk.Name)
	if id == nil {
		return dataerr.InvalidAttribute(dm.Model.Name, pk.Name, "key is required to remove")
	}
	obj := map[string]any{pk.Name: id}
	if err := dm.authorize(ctx, model.MaskDelete, obj); err != nil {
		return err
	}
	reg := dm.dc.Registry
	for _, f := range reg.Attributes(dm.Model) {
		if reg.Stored(dm.Model, f) {
			continue
		}
		a, err := reg.Association(dm.Model, f)
		if err != nil {
			return err
		}
		if err := dm.detach(ctx, a, id); err != nil {
			return err
		}
	}
	chain := dm.chain()
	for i := len(chain) - 1; i >= 0; i-- {
		del := squirrel.Delete(model.Quote(chain[i].WriteTable())).Where(model.Quote(pk.Name)+" = ?", id)
		if _, err := dm.dc.Adapter.Execute(ctx, del); err != nil {
			return err
		}
	}
	logger.Debug("object_removed", map[string]any{"model": dm.Model.Name, "id": id})
	return nil
}

// detach убирает ссылки на удаляемую строку: связи junction и дочерние строки
// по правилу cascade.
func (dm *DataModel) detach(ctx context.Context, a *model.Association, id any) error {
	mp := a.Mapping
	if a.IsJunction() {
		col := mp.AssociationObjectField
		if !a.ParentSide {
			col = mp.AssociationValueField
		}
		del := squirrel.Delete(model.Quote(dm.dc.Registry.AdapterTable(mp))).Where(model.Quote(col)+" = ?", id)
		_, err := dm.dc.Adapter.Execute(ctx, del)
		return err
	}
	child, err := dm.dc.Model(mp.ChildModel)
	if err != nil {
		return err
	}
	switch strings.ToLower(mp.Cascade) {
	case CascadeDelete:
		childPK, err := child.primaryKey()
		if err != nil {
			return err
		}
		silent := child.Silent()
		q := silent.AsQueryable().WhereNode(filter.Eq(mp.ChildField, id)).SelectFields(childPK.Name)
		rows, err := silent.GetItems(ctx, q)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := silent.remove(ctx, row); err != nil {
				return err
			}
		}
	case CascadeNull:
		upd := squirrel.Update(model.Quote(child.tableOf(mp.ChildField))).
			Set(model.Quote(mp.ChildField), nil).
			Where(model.Quote(mp.ChildField)+" = ?", id)
		_, err := dm.dc.Adapter.Execute(ctx, upd)
		return err
	}
	return nil
}

// chain — модель и её предки, начиная с базовой.
func (dm *DataModel) chain() []*model.ModelDefinition {
	var out []*model.ModelDefinition
	seen := map[*model.ModelDefinition]bool{}
	for cur := dm.Model; cur != nil && !seen[cur]; cur = dm.dc.Registry.Base(cur) {
		seen[cur] = true
		out = append([]*model.ModelDefinition{cur}, out...)
	}
	return out
}

// tableOf — таблица уровня наследования, объявившего атрибут.
func (dm *DataModel) tableOf(name string) string {
	chain := dm.chain()
	for i := len(chain) - 1; i >= 0; i-- {
		for _, f := range chain[i].Fields {
			if strings.EqualFold(f.Name, name) {
				return chain[i].WriteTable()
			}
		}
	}
	return dm.Model.WriteTable()
}

// columns — собственные колонки уровня level, присутствующие в obj.
func (dm *DataModel) columns(level *model.ModelDefinition, obj map[string]any, pk *model.FieldDefinition) ([]string, []any, error) {
	var (
		cols []string
		vals []any
	)
	for _, f := range level.Fields {
		if f.Name == pk.Name && obj[f.Name] == nil {
			continue
		}
		v, ok := obj[f.Name]
		if !ok || (f.Readonly && f.Name != pk.Name) || !dm.dc.Registry.Stored(level, f) {
			continue
		}
		if f.IsJSON() {
			encoded, err := jsonattr.Encode(v)
			if err != nil {
				return nil, nil, dataerr.InvalidAttribute(level.Name, f.Name, "encode JSON: %v", err)
			}
			v = encoded
		}
		cols = append(cols, model.Quote(f.Name))
		vals = append(vals, v)
	}
	return cols, vals, nil
}

// prepareValues заменяет объекты связей к одной записи их ключами (вложенные
// сохраняются сначала) и забирает из obj значения коллекций.
func (dm *DataModel) prepareValues(ctx context.Context, obj map[string]any) ([]related, error) {
	reg := dm.dc.Registry
	var rest []related
	for _, f := range reg.Attributes(dm.Model) {
		v, ok := obj[f.Name]
		if !ok || reg.HasDataType(f.Type) {
			continue
		}
		a, err := reg.Association(dm.Model, f)
		if err != nil {
			return nil, err
		}
		if !reg.Stored(dm.Model, f) {
			delete(obj, f.Name)
			rest = append(rest, related{field: f, assoc: a, value: v})
			continue
		}
		sub, isObj := v.(map[string]any)
		if !isObj {
			continue
		}
		target, err := dm.dc.Model(a.Related())
		if err != nil {
			return nil, err
		}
		key, err := dm.relatedKey(ctx, target, f, sub)
		if err != nil {
			return nil, err
		}
		obj[f.Name] = key
	}
	return rest, nil
}

// relatedKey returns the key of an associated object, saving it first when
// the attribute is nested.
func (dm *DataModel) relatedKey(ctx context.Context, target *DataModel, f *model.FieldDefinition, sub map[string]any) (any, error) {
	pk, err := target.primaryKey()
	if err != nil {
		return nil, err
	}
	if f.Nested {
		target.silent = dm.silent
		saved, err := target.save(ctx, sub)
		if err != nil {
			return nil, err
		}
		return saved[pk.Name], nil
	}
	id := lookupKey(sub, pk.Name)
	if id == nil {
		return nil, dataerr.InvalidAttribute(dm.Model.Name, f.Name, "associated object without key")
	}
	return id, nil
}

// saveRelated сохраняет вложенные коллекции и связи junction после строки
// владельца; при обновлении связи junction заменяются целиком.
func (dm *DataModel) saveRelated(ctx context.Context, id any, rest []related, replace bool) error {
	for _, r := range rest {
		target, err := dm.dc.Model(r.assoc.Related())
		if err != nil {
			return err
		}
		target.silent = dm.silent
		items := asList(r.value)
		if r.assoc.IsJunction() {
			if err := dm.link(ctx, r, target, id, items, replace); err != nil {
				return err
			}
			continue
		}
		if !r.field.Nested {
			logger.Debug("save_skip_association", map[string]any{"model": dm.Model.Name, "attribute": r.field.Name})
			continue
		}
		for _, item := range items {
			child, isObj := item.(map[string]any)
			if !isObj {
				return dataerr.InvalidAttribute(dm.Model.Name, r.field.Name, "expected %s objects", target.Model.Name)
			}
			child[r.assoc.Mapping.ChildField] = id
			if _, err := target.save(ctx, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (dm *DataModel) link(ctx context.Context, r related, target *DataModel, id any, items []any, replace bool) error {
	mp := r.assoc.Mapping
	own, other := mp.AssociationObjectField, mp.AssociationValueField
	if !r.assoc.ParentSide {
		own, other = other, own
	}
	table := model.Quote(dm.dc.Registry.AdapterTable(mp))
	if replace {
		del := squirrel.Delete(table).Where(model.Quote(own)+" = ?", id)
		if _, err := dm.dc.Adapter.Execute(ctx, del); err != nil {
			return err
		}
	}
	for _, item := range items {
		key := item
		if sub, isObj := item.(map[string]any); isObj {
			var err error
			if key, err = dm.relatedKey(ctx, target, r.field, sub); err != nil {
				return err
			}
		}
		if key == nil {
			continue
		}
		ins := squirrel.Insert(table).
			Columns(model.Quote(own), model.Quote(other)).
			Values(id, key).
			Suffix("ON CONFLICT DO NOTHING")
		if _, err := dm.dc.Adapter.Execute(ctx, ins); err != nil {
			return err
		}
	}
	return nil
}

func asList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	case []map[string]any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	default:
		return []any{v}
	}
}

// lookupKey ищет значение по имени без учёта регистра.
func lookupKey(obj map[string]any, name string) any {
	if v, ok := obj[name]; ok {
		return v
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}
