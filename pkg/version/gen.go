package version

import (
	"bytes"
	"fmt"
	"go/format"
	"io"
	"text/template"

	"github.com/blacktop/offsetgen/pkg/offsets"
)

var goTmpl = template.Must(template.New("offsets").Parse(`// Code generated by offsetgen. DO NOT EDIT.

package {{ .Package }}

import (
	"github.com/blacktop/offsetgen/pkg/offsets"
	"github.com/blacktop/offsetgen/pkg/version"
)

// {{ .Var }} holds the offsets of {{ .Key }}.
var {{ .Var }} = offsets.FromMap(map[string]uint32{
{{- range .Entries }}
	"{{ .Name }}": {{ printf "%#x" .RVA }},
{{- end }}
})

func init() {
	version.Register(version.Key{
		Product: {{ printf "%q" .Key.Product }},
		Locale:  {{ .Key.Locale }},
		Build:   version.Build{ {{- range $i, $p := .Key.Build }}{{ if $i }}, {{ end }}{{ $p }}{{ end -}} },
	}, {{ .Var }})
}
`))

type goEntry struct {
	Name string
	RVA  uint32
}

// WriteGo writes Go source that registers table under key in Default when
// compiled into package pkg. varName names the table variable.
func WriteGo(w io.Writer, key Key, table *offsets.Table, pkg, varName string) error {
	if !offsets.IsIdentifier(pkg) || !offsets.IsIdentifier(varName) {
		return fmt.Errorf("invalid package %q or variable %q", pkg, varName)
	}
	data := struct {
		Package string
		Var     string
		Key     Key
		Entries []goEntry
	}{Package: pkg, Var: varName, Key: key}
	for _, name := range table.Names() {
		rva, _ := table.Get(name)
		data.Entries = append(data.Entries, goEntry{name, rva})
	}

	var buf bytes.Buffer
	if err := goTmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to render offsets: %w", err)
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to format offsets: %w", err)
	}
	_, err = w.Write(src)
	return err
}
