package schema

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/replica/internal/ir"
)

//go:embed meta.cue
var metaSchema []byte

//go:embed blog.cue
var blogSchema []byte

// BlogSource returns the CUE source of the demo blog schema.
func BlogSource() []byte {
	return blogSchema
}

// Blog returns the compiled demo blog schema.
func Blog() *Static {
	s, err := LoadBytes("blog.cue", blogSchema)
	if err != nil {
		panic(fmt.Sprintf("schema: embedded blog schema: %v", err))
	}
	return s
}

// CompileError reports a schema problem with its CUE position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir compiles the CUE package in dir into a catalog.
func LoadDir(dir string) (*Static, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("schema directory %s: no CUE instances loaded", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	v := ctx.BuildInstance(inst)
	return compile(ctx, v)
}

// LoadBytes compiles a single CUE source into a catalog.
func LoadBytes(filename string, src []byte) (*Static, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	return compile(ctx, v)
}

func compile(ctx *cue.Context, v cue.Value) (*Static, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	meta := ctx.CompileBytes(metaSchema, cue.Filename("meta.cue"))
	if err := meta.Err(); err != nil {
		return nil, fmt.Errorf("meta schema: %w", err)
	}
	v = meta.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	entityVal := v.LookupPath(cue.ParsePath("entity"))
	if !entityVal.Exists() {
		return nil, &CompileError{Field: "entity", Message: "at least one entity is required", Pos: v.Pos()}
	}

	iter, err := entityVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var (
		entities []ir.EntityDef
		rels     []ir.RelationshipDef
	)
	for iter.Next() {
		name := iter.Label()
		def, defRels, err := compileEntity(name, iter.Value())
		if err != nil {
			return nil, err
		}
		entities = append(entities, def)
		rels = append(rels, defRels...)
	}

	cat, err := NewStatic(entities, rels)
	if err != nil {
		return nil, &CompileError{Field: "entity", Message: err.Error(), Pos: entityVal.Pos()}
	}
	return cat, nil
}

func compileEntity(name string, v cue.Value) (ir.EntityDef, []ir.RelationshipDef, error) {
	def := ir.EntityDef{Name: name}

	fieldIter, err := v.LookupPath(cue.ParsePath("fields")).Fields()
	if err != nil {
		return def, nil, formatCUEError(err)
	}
	for fieldIter.Next() {
		f, err := compileField(fieldIter.Label(), fieldIter.Value())
		if err != nil {
			return def, nil, err
		}
		def.Fields = append(def.Fields, f)
	}

	relVal := v.LookupPath(cue.ParsePath("relationships"))
	if !relVal.Exists() {
		return def, nil, nil
	}
	relIter, err := relVal.Fields()
	if err != nil {
		return def, nil, formatCUEError(err)
	}

	var rels []ir.RelationshipDef
	for relIter.Next() {
		rv := relIter.Value()
		r := ir.RelationshipDef{Name: relIter.Label(), Parent: name}
		if r.Child, err = rv.LookupPath(cue.ParsePath("child")).String(); err != nil {
			return def, nil, formatCUEError(err)
		}
		if r.ForeignKey, err = rv.LookupPath(cue.ParsePath("foreignKey")).String(); err != nil {
			return def, nil, formatCUEError(err)
		}
		if r.Cascade, err = optionalBool(rv, "cascade"); err != nil {
			return def, nil, err
		}
		rels = append(rels, r)
	}
	return def, rels, nil
}

func compileField(name string, v cue.Value) (ir.FieldDef, error) {
	f := ir.FieldDef{Name: name}

	typ, err := v.LookupPath(cue.ParsePath("type")).String()
	if err != nil {
		return f, formatCUEError(err)
	}
	f.Type = ir.FieldType(typ)

	if f.Required, err = optionalBool(v, "required"); err != nil {
		return f, err
	}

	if enumVal := v.LookupPath(cue.ParsePath("enum")); enumVal.Exists() && enumVal.IsConcrete() {
		list, err := enumVal.List()
		if err != nil {
			return f, formatCUEError(err)
		}
		for list.Next() {
			s, err := list.Value().String()
			if err != nil {
				return f, formatCUEError(err)
			}
			f.Enum = append(f.Enum, s)
		}
	}

	if maxVal := v.LookupPath(cue.ParsePath("maxLength")); maxVal.Exists() && maxVal.IsConcrete() {
		n, err := maxVal.Int64()
		if err != nil {
			return f, formatCUEError(err)
		}
		f.MaxLength = int(n)
	}

	if f.Type == ir.TypeEnum && len(f.Enum) == 0 {
		return f, &CompileError{Field: name, Message: "enum fields need at least one value", Pos: v.Pos()}
	}
	return f, nil
}

func optionalBool(v cue.Value, path string) (bool, error) {
	bv := v.LookupPath(cue.ParsePath(path))
	if !bv.Exists() || !bv.IsConcrete() {
		return false, nil
	}
	b, err := bv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
