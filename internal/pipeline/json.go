package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/therealutkarshpriyadarshi/logshipper/internal/config"
	"github.com/therealutkarshpriyadarshi/logshipper/pkg/types"
)

// JSONConfig configures the json stage. Expressions map an extracted name to a
// dotted path such as "request.headers[0].host". An empty path uses the name.
type JSONConfig struct {
	Expressions map[string]string `yaml:"expressions"`
	Source      string            `yaml:"source,omitempty"`
}

type jsonPath []interface{} // string keys and int indexes

type jsonStage struct {
	base
	paths  map[string]jsonPath
	source string
}

func newJSONStage(en env, cfg config.StageConfig) (*jsonStage, error) {
	var jc JSONConfig
	if err := cfg.Decode(&jc); err != nil {
		return nil, err
	}
	if len(jc.Expressions) == 0 {
		return nil, fmt.Errorf("json stage requires at least one expression")
	}

	paths := make(map[string]jsonPath, len(jc.Expressions))
	for name, expr := range jc.Expressions {
		if expr == "" {
			expr = name
		}
		p, err := parseJSONPath(expr)
		if err != nil {
			return nil, fmt.Errorf("json expression %s: %w", name, err)
		}
		paths[name] = p
	}

	return &jsonStage{
		base:   en.base(StageTypeJSON),
		paths:  paths,
		source: jc.Source,
	}, nil
}

func (s *jsonStage) Process(e *types.Entry) bool {
	in, ok := input(e, s.source)
	if !ok {
		return true
	}

	var data interface{}
	if err := json.Unmarshal([]byte(in), &data); err != nil {
		s.fail(e, fmt.Errorf("failed to decode json: %w", err))
		return true
	}

	for name, path := range s.paths {
		v, ok := path.lookup(data)
		if !ok || v == nil {
			continue
		}
		e.Extracted[name] = jsonString(v)
	}
	return true
}

// parseJSONPath splits "a.b[2].c" into its segments
func parseJSONPath(expr string) (jsonPath, error) {
	var path jsonPath
	for _, part := range strings.Split(expr, ".") {
		key := part
		var idx []int
		if i := strings.IndexByte(part, '['); i >= 0 {
			key = part[:i]
			rest := part[i:]
			for rest != "" {
				end := strings.IndexByte(rest, ']')
				if rest[0] != '[' || end < 0 {
					return nil, fmt.Errorf("malformed index in %q", expr)
				}
				n, err := strconv.Atoi(rest[1:end])
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid index in %q", expr)
				}
				idx = append(idx, n)
				rest = rest[end+1:]
			}
		}
		if key == "" && len(idx) == 0 {
			return nil, fmt.Errorf("empty segment in %q", expr)
		}
		if key != "" {
			path = append(path, key)
		}
		for _, n := range idx {
			path = append(path, n)
		}
	}
	return path, nil
}

func (p jsonPath) lookup(v interface{}) (interface{}, bool) {
	for _, seg := range p {
		switch k := seg.(type) {
		case string:
			m, ok := v.(map[string]interface{})
			if !ok {
				return nil, false
			}
			if v, ok = m[k]; !ok {
				return nil, false
			}
		case int:
			a, ok := v.([]interface{})
			if !ok || k >= len(a) {
				return nil, false
			}
			v = a[k]
		}
	}
	return v, true
}

func jsonString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
