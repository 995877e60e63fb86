package main

import (
	"fmt"
	"strings"

	"federate/pkg/schema"

	"github.com/spf13/cobra"
)

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Work with object model files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate an object model and print its handles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := schema.LoadYAML(args[0])
			if err != nil {
				fmt.Println(dangerValueStyle.Render("INVALID ") + mutedStyle.Render(err.Error()))
				return err
			}
			fmt.Println(accentValueStyle.Render("VALID ") + valueStyle.Render(args[0]))
			fmt.Println()
			printSchema(s)
			return nil
		},
	})
	return cmd
}

func printSchema(s *schema.Schema) {
	spaces := map[uint64]string{0: "-"}
	for _, rs := range s.RoutingSpaces() {
		spaces[uint64(rs.Handle)] = rs.Name
	}

	if list := s.RoutingSpaces(); len(list) > 0 {
		fmt.Println(titleStyle.Render("Routing spaces"))
		t := newTable("HANDLE", "NAME", "DIMENSIONS")
		for _, rs := range list {
			dims := make([]string, len(rs.Dimensions))
			for i, d := range rs.Dimensions {
				dims[i] = fmt.Sprintf("%s<%d", d.Name, d.UpperBound)
			}
			t.Row(fmt.Sprint(rs.Handle), rs.Name, strings.Join(dims, ", "))
		}
		fmt.Println(t.Render())
	}

	fmt.Println(titleStyle.Render("Object classes"))
	t := newTable("HANDLE", "NAME", "PARENT", "ATTRIBUTES")
	for _, oc := range s.ObjectClasses() {
		parent := "-"
		if oc.Parent != 0 {
			if p, err := s.ObjectClass(oc.Parent); err == nil {
				parent = p.Name
			}
		}
		attrs, _ := s.ClassAttributes(oc.Handle)
		names := make([]string, len(attrs))
		for i, a := range attrs {
			names[i] = fmt.Sprintf("%s(%d)", a.Name, a.Handle)
			if a.RoutingSpace != 0 {
				names[i] += "@" + spaces[uint64(a.RoutingSpace)]
			}
		}
		t.Row(fmt.Sprint(oc.Handle), oc.Name, parent, strings.Join(names, ", "))
	}
	fmt.Println(t.Render())

	fmt.Println(titleStyle.Render("Interaction classes"))
	t = newTable("HANDLE", "NAME", "SPACE", "PARAMETERS")
	for _, ic := range s.InteractionClasses() {
		names := make([]string, len(ic.Parameters))
		for i, p := range ic.Parameters {
			names[i] = fmt.Sprintf("%s(%d)", p.Name, p.Handle)
		}
		t.Row(fmt.Sprint(ic.Handle), ic.Name, spaces[uint64(ic.RoutingSpace)], strings.Join(names, ", "))
	}
	fmt.Println(t.Render())
}
