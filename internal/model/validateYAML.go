package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Разрешённые ключи для объектов
var allowedModelKeys = map[string]bool{
	"name":       true,
	"version":    true,
	"source":     true,
	"view":       true,
	"inherits":   true,
	"implements": true,
	"hidden":     true,
	"fields":     true,
	"privileges": true,
	"views":      true,
}

var allowedFieldKeys = map[string]bool{
	"name":           true,
	"type":           true,
	"nullable":       true,
	"primary":        true,
	"many":           true,
	"nested":         true,
	"expandable":     true,
	"readonly":       true,
	"size":           true,
	"additionalType": true,
	"mapping":        true,
}

var allowedMappingKeys = map[string]bool{
	"parentModel":            true,
	"parentField":            true,
	"childModel":             true,
	"childField":             true,
	"associationType":        true,
	"associationAdapter":     true,
	"associationObjectField": true,
	"associationValueField":  true,
	"cascade":                true,
}

var allowedPrivilegeKeys = map[string]bool{
	"mask":            true,
	"type":            true,
	"account":         true,
	"filter":          true,
	"parentPrivilege": true,
	"exclude":         true,
	"scope":           true,
	"target":          true,
}

var allowedViewKeys = map[string]bool{
	"name":   true,
	"fields": true,
}

// Разрешённые значения
var allowedPrivilegeTypes = map[string]bool{
	PrivilegeGlobal: true,
	PrivilegeSelf:   true,
	PrivilegeParent: true,
	PrivilegeItem:   true,
}

var allowedAssociationTypes = map[string]bool{
	AssociationTypeAssociation: true,
	AssociationTypeJunction:    true,
}

func validateYAMLNode(node *yaml.Node, context string) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := validateYAMLNode(child, "model"); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		var allowedKeys map[string]bool
		switch context {
		case "model":
			allowedKeys = allowedModelKeys
		case "field":
			allowedKeys = allowedFieldKeys
		case "mapping":
			allowedKeys = allowedMappingKeys
		case "privilege":
			allowedKeys = allowedPrivilegeKeys
		case "view":
			allowedKeys = allowedViewKeys
		default:
			allowedKeys = nil // свободная форма
		}

		for i := 0; i < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valNode := node.Content[i+1]
			key := keyNode.Value

			if allowedKeys != nil && !allowedKeys[key] {
				return fmt.Errorf("unknown key '%s' in %s (line %d)", key, context, keyNode.Line)
			}

			if context == "privilege" && key == "type" && !allowedPrivilegeTypes[valNode.Value] {
				return fmt.Errorf("unknown privilege type '%s' (line %d)", valNode.Value, valNode.Line)
			}
			if context == "mapping" && key == "associationType" && !allowedAssociationTypes[valNode.Value] {
				return fmt.Errorf("unknown association type '%s' (line %d)", valNode.Value, valNode.Line)
			}
			if context == "privilege" && key == "mask" {
				var mask int
				if err := valNode.Decode(&mask); err != nil || mask < 0 || mask > int(MaskAll) {
					return fmt.Errorf("invalid privilege mask '%s' (line %d)", valNode.Value, valNode.Line)
				}
			}

			// Определяем новый контекст
			nextContext := ""
			switch {
			case context == "model" && key == "fields":
				nextContext = "fields-seq"
			case context == "model" && key == "privileges":
				nextContext = "privileges-seq"
			case context == "model" && key == "views":
				nextContext = "views-seq"
			case context == "field" && key == "mapping":
				nextContext = "mapping"
			default:
				nextContext = "value"
			}

			if err := validateYAMLNode(valNode, nextContext); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		itemContext := context
		switch context {
		case "fields-seq":
			itemContext = "field"
		case "privileges-seq":
			itemContext = "privilege"
		case "views-seq":
			itemContext = "view"
		}
		for _, item := range node.Content {
			if err := validateYAMLNode(item, itemContext); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		// скаляры не валидируем на ключи: они уже проверяются при разборе MappingNode
	}

	return nil
}
