package match

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaCUE string

// ErrInvalidMatch is wrapped by every validation failure.
var ErrInvalidMatch = errors.New("invalid match")

// Validator checks matches against the embedded CUE schema.
//
// Thread-safety: Validate serializes access to the cue.Context, which is
// not safe for concurrent use.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	file := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := file.Err(); err != nil {
		return nil, fmt.Errorf("compile match schema: %w", err)
	}
	schema := file.LookupPath(cue.ParsePath("#Match"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Match: %w", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// Validate reports the first schema violation, wrapped in ErrInvalidMatch.
func (v *Validator) Validate(m Match) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.Encode(m)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMatch, err)
	}
	unified := v.schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidMatch, firstError(err))
	}
	return nil
}

func firstError(err error) string {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err.Error()
	}
	e := errs[0]
	format, args := e.Msg()
	msg := fmt.Sprintf(format, args...)
	if p := e.Path(); len(p) > 0 {
		return fmt.Sprintf("%s: %s", strings.Join(p, "."), msg)
	}
	return msg
}
