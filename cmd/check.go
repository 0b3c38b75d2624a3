package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Load and link model definitions and list their associations",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, m := range registry.Models() {
			fmt.Printf("%s (read %s, write %s, %d privileges)\n", m.Name, m.ReadTable(), m.WriteTable(), len(m.Privileges))
			for _, f := range registry.Attributes(m) {
				if registry.HasDataType(f.Type) {
					continue
				}
				a, err := registry.Association(m, f)
				if err != nil {
					return fmt.Errorf("%s.%s: %w", m.Name, f.Name, err)
				}
				fmt.Printf("  %s -> %s (%s, %s.%s = %s.%s)\n", f.Name, a.Related(), a.Mapping.AssociationType,
					a.Mapping.ParentModel, a.Mapping.ParentField, a.Mapping.ChildModel, a.Mapping.ChildField)
			}
		}
		return nil
	},
}
