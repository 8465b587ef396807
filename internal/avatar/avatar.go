// Package avatar inspects the avatar model the renderer is told to load, so
// a bad vrmPath is reported before the window tries to render it.
package avatar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/qmuntal/gltf"
)

// ErrNotFound is returned when no candidate location holds the model.
var ErrNotFound = errors.New("avatar model not found")

// Info summarizes a glTF/VRM file.
type Info struct {
	Path        string   `json:"path"`
	Generator   string   `json:"generator,omitempty"`
	GLTFVersion string   `json:"gltfVersion"`
	Meshes      int      `json:"meshes"`
	Nodes       int      `json:"nodes"`
	Materials   int      `json:"materials"`
	Skins       int      `json:"skins"`
	Animations  int      `json:"animations"`
	VRM         bool     `json:"vrm"`
	VRMVersion  string   `json:"vrmVersion,omitempty"`
	Title       string   `json:"title,omitempty"`
	Expressions []string `json:"expressions"`
}

// HasExpression reports whether the model defines the named expression.
func (i *Info) HasExpression(name string) bool {
	for _, e := range i.Expressions {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// Resolve finds vrmPath. Absolute paths are used as is; relative paths are
// tried against each base directory in order.
func Resolve(vrmPath string, bases ...string) (string, error) {
	if vrmPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	if filepath.IsAbs(vrmPath) {
		if _, err := os.Stat(vrmPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, vrmPath)
		}
		return vrmPath, nil
	}
	for _, base := range bases {
		p := filepath.Join(base, vrmPath)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %v)", ErrNotFound, vrmPath, bases)
}

// Inspect opens the model and reads its structure and VRM metadata.
func Inspect(path string) (*Info, error) {
	doc, err := gltf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gltf: %w", err)
	}

	info := &Info{
		Path:        path,
		Generator:   doc.Asset.Generator,
		GLTFVersion: doc.Asset.Version,
		Meshes:      len(doc.Meshes),
		Nodes:       len(doc.Nodes),
		Materials:   len(doc.Materials),
		Skins:       len(doc.Skins),
		Animations:  len(doc.Animations),
		Expressions: []string{},
	}

	if raw, ok := doc.Extensions["VRMC_vrm"]; ok {
		if err := readVRM1(raw, info); err != nil {
			return nil, fmt.Errorf("decode VRMC_vrm: %w", err)
		}
	} else if raw, ok := doc.Extensions["VRM"]; ok {
		if err := readVRM0(raw, info); err != nil {
			return nil, fmt.Errorf("decode VRM: %w", err)
		}
	}
	sort.Strings(info.Expressions)
	return info, nil
}

// vrm1 is the subset of the VRM 1.0 extension we read.
type vrm1 struct {
	SpecVersion string `json:"specVersion"`
	Meta        struct {
		Name string `json:"name"`
	} `json:"meta"`
	Expressions struct {
		Preset map[string]json.RawMessage `json:"preset"`
		Custom map[string]json.RawMessage `json:"custom"`
	} `json:"expressions"`
}

// vrm0 is the subset of the VRM 0.x extension we read.
type vrm0 struct {
	SpecVersion string `json:"specVersion"`
	Meta        struct {
		Title string `json:"title"`
	} `json:"meta"`
	BlendShapeMaster struct {
		BlendShapeGroups []struct {
			Name       string `json:"name"`
			PresetName string `json:"presetName"`
		} `json:"blendShapeGroups"`
	} `json:"blendShapeMaster"`
}

func readVRM1(raw any, info *Info) error {
	var ext vrm1
	if err := decodeExtension(raw, &ext); err != nil {
		return err
	}
	info.VRM = true
	info.VRMVersion = ext.SpecVersion
	info.Title = ext.Meta.Name
	for name := range ext.Expressions.Preset {
		info.Expressions = append(info.Expressions, name)
	}
	for name := range ext.Expressions.Custom {
		info.Expressions = append(info.Expressions, name)
	}
	return nil
}

func readVRM0(raw any, info *Info) error {
	var ext vrm0
	if err := decodeExtension(raw, &ext); err != nil {
		return err
	}
	info.VRM = true
	info.VRMVersion = ext.SpecVersion
	if info.VRMVersion == "" {
		info.VRMVersion = "0.0"
	}
	info.Title = ext.Meta.Title
	for _, g := range ext.BlendShapeMaster.BlendShapeGroups {
		name := g.PresetName
		if name == "" || name == "unknown" {
			name = g.Name
		}
		if name != "" {
			info.Expressions = append(info.Expressions, strings.ToLower(name))
		}
	}
	return nil
}

// decodeExtension handles both forms gltf uses for extensions it has no
// codec for: raw JSON, or an already decoded value.
func decodeExtension(raw any, v any) error {
	var data []byte
	switch r := raw.(type) {
	case json.RawMessage:
		data = r
	case []byte:
		data = r
	default:
		var err error
		if data, err = json.Marshal(r); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}
