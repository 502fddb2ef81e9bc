package scenario

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches <column> tokens in step parameters.
var placeholderRe = regexp.MustCompile(`<([A-Za-z_][A-Za-z0-9_ -]*)>`)

// Expand resolves a template against its Examples table: one Instance per
// row, in row order. A template without a table yields exactly one
// instance with no substitution. Any placeholder left unresolved is an
// authoring error and is reported here, before any environment is
// provisioned.
func Expand(t *Template) ([]*Instance, error) {
	if t.Examples == nil {
		inst, err := resolve(t, nil, nil)
		if err != nil {
			return nil, err
		}
		return []*Instance{inst}, nil
	}

	instances := make([]*Instance, 0, len(t.Examples.Rows))
	for rowIdx, row := range t.Examples.Rows {
		values := make(map[string]string, len(t.Examples.Columns))
		for i, col := range t.Examples.Columns {
			values[col] = row[i]
		}
		inst, err := resolve(t, values, row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", t.Name, rowIdx+1, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// ExpandAll expands templates in declaration order. Instance ordering is
// deterministic: template order, then row order.
func ExpandAll(templates []*Template) ([]*Instance, error) {
	var instances []*Instance
	for _, t := range templates {
		expanded, err := Expand(t)
		if err != nil {
			return nil, err
		}
		instances = append(instances, expanded...)
	}
	return instances, nil
}

func resolve(t *Template, values map[string]string, row []string) (*Instance, error) {
	inst := &Instance{
		Template:   t.Name,
		SourceFile: t.SourceFile,
		Tags:       append([]string{}, t.Tags...),
		RowValues:  append([]string{}, row...),
		Steps:      make([]Step, len(t.Steps)),
	}

	var err error
	if inst.Release, err = substitute(t.Release, values); err != nil {
		return nil, err
	}
	if inst.MachineType, err = substitute(t.MachineType, values); err != nil {
		return nil, err
	}

	for i, step := range t.Steps {
		resolved := step // copy; slices below are replaced, not mutated
		if resolved.Command, err = substitute(step.Command, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolved.Package, err = substitute(step.Package, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolved.Text, err = substitute(step.Text, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolved.Glob, err = substitute(step.Glob, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolved.LocalPath, err = substitute(step.LocalPath, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if resolved.RemotePath, err = substitute(step.RemotePath, values); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		resolved.RetryExitCodes = append([]int{}, step.RetryExitCodes...)
		inst.Steps[i] = resolved
	}

	return inst, nil
}

// substitute replaces every <column> token with the row value. A token
// with no matching column fails, whether or not the template carries an
// Examples table.
func substitute(s string, values map[string]string) (string, error) {
	if s == "" || !strings.Contains(s, "<") {
		return s, nil
	}

	var missing string
	result := placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := values[name]; ok {
			return v
		}
		if missing == "" {
			missing = token
		}
		return token
	})
	if missing != "" {
		return "", fmt.Errorf("unresolved placeholder %s (no matching Examples column)", missing)
	}
	return result, nil
}
