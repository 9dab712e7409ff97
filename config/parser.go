package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ddasdkimo/keyvalueserver/types"
)

// Parser resolves dotted paths such as "middlewares.rate_limit.params"
// against the effective configuration. Keys present only in the raw file
// (sections the typed config does not model) are looked up there.
type Parser struct {
	data map[string]interface{}
	raw  map[string]interface{}
}

func NewParser(config *types.ServiceConfig, raw map[string]interface{}) *Parser {
	parser := &Parser{
		data: make(map[string]interface{}),
		raw:  raw,
	}

	configBytes, err := yaml.Marshal(config)
	if err != nil {
		return parser
	}

	if err := yaml.Unmarshal(configBytes, &parser.data); err != nil {
		parser.data = make(map[string]interface{})
	}

	return parser
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	value := p.lookup(path)
	if value == nil {
		return defaultValue
	}
	return value
}

func (p *Parser) GetAs(path string, target interface{}) error {
	value := p.lookup(path)
	if value == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	valueBytes, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal config value")
	}

	if err = yaml.Unmarshal(valueBytes, target); err != nil {
		return types.WrapError(err, "failed to unmarshal config value")
	}

	return nil
}

// GetAllPaths lists every leaf path of the effective configuration.
func (p *Parser) GetAllPaths() []string {
	var paths []string
	collectPaths("", p.data, &paths)
	return paths
}

func (p *Parser) lookup(path string) interface{} {
	if value := navigateToPath(p.data, path); value != nil {
		return value
	}
	if p.raw != nil {
		return navigateToPath(p.raw, path)
	}
	return nil
}

func navigateToPath(data map[string]interface{}, path string) interface{} {
	if path == "" {
		return data
	}

	var current interface{} = data

	for _, part := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]interface{}:
			val, exists := v[part]
			if !exists {
				return nil
			}
			current = val
		case map[interface{}]interface{}:
			val, exists := v[part]
			if !exists {
				return nil
			}
			current = val
		default:
			return nil
		}

		if current == nil {
			return nil
		}
	}

	return current
}

func collectPaths(prefix string, node interface{}, paths *[]string) {
	m, ok := node.(map[string]interface{})
	if !ok {
		if prefix != "" {
			*paths = append(*paths, prefix)
		}
		return
	}

	for key, value := range m {
		next := key
		if prefix != "" {
			next = prefix + "." + key
		}
		collectPaths(next, value, paths)
	}
}
