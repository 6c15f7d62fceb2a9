package kube

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"text/template"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

// DefaultTemplateParams are merged under the caller's parameters.
var DefaultTemplateParams = map[string]string{
	"BROKER_IMAGE":  "quay.io/artemiscloud/activemq-artemis-broker:1.0.25",
	"ROUTER_IMAGE":  "quay.io/interconnectedcloud/qdrouterd:1.19.0",
	"CONSOLE_IMAGE": "quay.io/novaspace/console:0.4.0",
	"PLAN":          "standard-small",
}

// ErrUnknownTemplate is returned for a template name with no matching file.
var ErrUnknownTemplate = errors.New("unknown template")

// Templates expands named resource templates into concrete object batches.
type Templates struct {
	fsys fs.FS
}

// NewTemplates serves templates from fsys, or from the built-in set when fsys is nil.
func NewTemplates(fsys fs.FS) *Templates {
	if fsys == nil {
		sub, err := fs.Sub(builtinTemplates, "templates")
		if err != nil {
			panic(err)
		}
		fsys = sub
	}
	return &Templates{fsys: fsys}
}

// Process renders the template called name with params and decodes every
// YAML document into an unstructured object.
func (t *Templates) Process(name string, params map[string]string) ([]client.Object, error) {
	raw, err := fs.ReadFile(t.fsys, name+".yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	values := maps.Clone(DefaultTemplateParams)
	maps.Copy(values, params)
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, values); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return decodeDocuments(&buf)
}

func decodeDocuments(r io.Reader) ([]client.Object, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(r))
	var out []client.Object
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		js, err := yaml.YAMLToJSON(doc)
		if err != nil {
			return nil, fmt.Errorf("decode template document: %w", err)
		}
		if string(bytes.TrimSpace(js)) == "null" {
			continue
		}
		u := &unstructured.Unstructured{}
		if err := u.UnmarshalJSON(js); err != nil {
			return nil, fmt.Errorf("decode template document: %w", err)
		}
		if u.GetName() == "" {
			return nil, fmt.Errorf("template document without kind or name")
		}
		out = append(out, u)
	}
}
