package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
)

// SchemaResult is the compiled catalog.
type SchemaResult struct {
	Entities      []ir.EntityDef       `json:"entities"`
	Relationships []ir.RelationshipDef `json:"relationships"`
}

func (r SchemaResult) Text(w io.Writer) error {
	fmt.Fprintf(w, "✓ %d entity type(s), %d relationship(s)\n\n", len(r.Entities), len(r.Relationships))
	for _, def := range r.Entities {
		fmt.Fprintf(w, "%s\n", def.Name)
		for _, f := range def.Fields {
			var attrs []string
			if f.Required {
				attrs = append(attrs, "required")
			}
			if len(f.Enum) > 0 {
				attrs = append(attrs, strings.Join(f.Enum, "|"))
			}
			if f.MaxLength > 0 {
				attrs = append(attrs, fmt.Sprintf("max %d", f.MaxLength))
			}
			line := fmt.Sprintf("  %s: %s", f.Name, f.Type)
			if len(attrs) > 0 {
				line += " (" + strings.Join(attrs, ", ") + ")"
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(r.Relationships) > 0 {
		fmt.Fprintln(w, "\nRelationships:")
		for _, rel := range r.Relationships {
			cascade := ""
			if rel.Cascade {
				cascade = " cascade"
			}
			fmt.Fprintf(w, "  %s -> %s.%s%s\n", rel.Key(), rel.Child, rel.ForeignKey, cascade)
		}
	}
	return nil
}

// NewSchemaCommand creates the schema command.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema [dir]",
		Short: "Compile and print the schema catalog",
		Long: `Compile the CUE schema and print its entity types and relationships.

Without a directory argument the configured schema_dir is used, or the
built-in blog schema when none is configured.

Examples:
  replica schema
  replica schema ./schema --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			cfg, err := rootOpts.Settings()
			if err != nil {
				return f.Fail("invalid configuration", err)
			}
			if len(args) == 1 {
				cfg.SchemaDir = args[0]
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return f.Fail("schema compilation failed", err)
			}
			return f.Success(SchemaResult{Entities: catalog.Entities(), Relationships: catalog.Relationships()})
		},
	}
}
