// Package testutil содержит общие фикстуры для тестов пакетов движка.
package testutil

import (
	"testing"

	"YrestData/internal/model"
)

func boolPtr(b bool) *bool { return &b }

// Models returns the sample schema: users/groups (junction), people with a JSON
// address, orders with self privileges and order lines with a parent privilege.
func Models() []*model.ModelDefinition {
	return []*model.ModelDefinition{
		{
			Name:   "User",
			Source: "UserBase",
			View:   "UserData",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "name", Type: "Text", Nullable: boolPtr(false)},
				{Name: "groups", Type: "Group", Many: true},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead, Type: model.PrivilegeSelf, Filter: "id eq me()"},
			},
		},
		{
			Name:   "Group",
			Source: "GroupBase",
			View:   "GroupData",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "name", Type: "Text"},
				{Name: "alternateName", Type: "Text"},
				{Name: "members", Type: "User", Many: true, Mapping: &model.AssociationMapping{
					ParentModel:            "Group",
					ChildModel:             "User",
					AssociationType:        model.AssociationTypeJunction,
					AssociationAdapter:     "GroupMembers",
					AssociationObjectField: "parentId",
					AssociationValueField:  "valueId",
				}},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead, Type: model.PrivilegeGlobal, Account: "*"},
			},
		},
		{
			Name: "PostalAddress",
			Fields: []*model.FieldDefinition{
				{Name: "streetAddress", Type: "Text"},
				{Name: "addressLocality", Type: "Text"},
				{Name: "postalCode", Type: "Text"},
				{Name: "geo", Type: "Json", AdditionalType: "GeoCoordinates"},
			},
		},
		{
			Name: "GeoCoordinates",
			Fields: []*model.FieldDefinition{
				{Name: "latitude", Type: "Number"},
				{Name: "longitude", Type: "Number"},
			},
		},
		{
			Name:   "Party",
			Source: "PartyBase",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "name", Type: "Text"},
				{Name: "email", Type: "Email"},
			},
		},
		{
			Name:     "Person",
			Source:   "PersonBase",
			View:     "PersonData",
			Inherits: "Party",
			Fields: []*model.FieldDefinition{
				{Name: "familyName", Type: "Text"},
				{Name: "givenName", Type: "Text"},
				{Name: "user", Type: "User"},
				{Name: "address", Type: "Json", AdditionalType: "PostalAddress"},
				{Name: "metadata", Type: "Json"},
				{Name: "orders", Type: "Order", Many: true},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead | model.MaskUpdate, Type: model.PrivilegeSelf, Filter: "user eq me()"},
			},
			Views: []model.ViewDefinition{
				{Name: "summary", Fields: []string{"id", "familyName", "givenName"}},
			},
		},
		{
			Name:   "Product",
			Source: "ProductBase",
			View:   "ProductData",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "name", Type: "Text"},
				{Name: "category", Type: "Text"},
				{Name: "price", Type: "Decimal"},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead, Type: model.PrivilegeGlobal, Account: "*"},
			},
		},
		{
			Name:   "Order",
			Source: "OrderBase",
			View:   "OrderData",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "orderDate", Type: "DateTime"},
				{Name: "orderStatus", Type: "Text"},
				{Name: "customer", Type: "Person", Nullable: boolPtr(false), Expandable: true},
				{Name: "orderedItem", Type: "Product", Expandable: true},
				{Name: "details", Type: "OrderDetail", Many: true},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead, Type: model.PrivilegeSelf, Filter: "customer/user eq me()"},
			},
		},
		{
			Name:   "OrderDetail",
			Source: "OrderDetailBase",
			View:   "OrderDetailData",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Counter", Primary: true},
				{Name: "order", Type: "Order", Nullable: boolPtr(false)},
				{Name: "product", Type: "Product"},
				{Name: "quantity", Type: "Integer"},
			},
			Privileges: []model.PrivilegeDefinition{
				{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "Administrators"},
				{Mask: model.MaskRead, Type: model.PrivilegeParent, ParentPrivilege: "order/customer"},
			},
		},
		{
			Name:   "Permission",
			Source: "PermissionBase",
			Fields: []*model.FieldDefinition{
				{Name: "id", Type: "Text", Primary: true},
				{Name: "privilege", Type: "Text"},
				{Name: "parentPrivilege", Type: "Text"},
				{Name: "account", Type: "Text"},
				{Name: "target", Type: "Text"},
				{Name: "mask", Type: "Integer"},
			},
		},
	}
}

// NewRegistry registers Models (cloned, so tests may patch them) and links the registry.
func NewRegistry(t testing.TB) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	for _, m := range Models() {
		if err := r.Set(m.Clone()); err != nil {
			t.Fatalf("set %s: %v", m.Name, err)
		}
	}
	if err := r.Link(); err != nil {
		t.Fatalf("link registry: %v", err)
	}
	return r
}

// MustModel returns a registered model or fails the test.
func MustModel(t testing.TB, r *model.Registry, name string) *model.ModelDefinition {
	t.Helper()
	m, ok := r.Get(name)
	if !ok {
		t.Fatalf("model %s not registered", name)
	}
	return m
}
