package desired

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	v1alpha1 "github.com/vaheed/novaspace/pkg/api/v1alpha1"
	"github.com/vaheed/novaspace/pkg/types"
)

// File reads address spaces from a YAML file on every call, so edits are
// picked up on the next cycle. A document is either an AddressSpace resource
// or a plain list:
//
//	addressSpaces:
//	- name: myspace
//	  type: standard
//	  endpoints:
//	  - name: messaging
//	    service: messaging
//	    cert: {provider: wildcard, secretName: mycerts}
type File struct {
	Path string
}

type fileDoc struct {
	Kind          string               `json:"kind"`
	AddressSpaces []types.AddressSpace `json:"addressSpaces"`
}

func (f *File) List(_ context.Context) ([]types.AddressSpace, error) {
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	spaces, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return spaces, nil
}

// Parse decodes one or more YAML documents into address spaces and rejects
// unnamed or duplicate entries.
func Parse(raw []byte) ([]types.AddressSpace, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(raw)))
	var out []types.AddressSpace
	seen := map[string]bool{}
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}
		var head fileDoc
		if err := yaml.Unmarshal(doc, &head); err != nil {
			return nil, err
		}
		batch := head.AddressSpaces
		if head.Kind == "AddressSpace" {
			var as v1alpha1.AddressSpace
			if err := yaml.Unmarshal(doc, &as); err != nil {
				return nil, err
			}
			batch = []types.AddressSpace{as.ToDomain()}
		}
		for _, s := range batch {
			if s.Name == "" {
				return nil, fmt.Errorf("address space without name")
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("address space %s declared twice", s.Name)
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	return sorted(out), nil
}
