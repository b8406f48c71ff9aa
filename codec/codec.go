// Package codec provides pluggable encode/decode backends for structured
// data, chosen by file extension.
package codec

import (
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/goccy/go-yaml"
)

type Decoder interface {
	Decode(data []byte, v any) error
}

type Encoder interface {
	Encode(v any) ([]byte, error)
}

type Codec interface {
	Decoder
	Encoder
}

type jsonCodec struct{}

func (jsonCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

type yamlCodec struct{}

func (yamlCodec) Decode(data []byte, v any) error {
	return yaml.Unmarshal(data, v)
}

func (yamlCodec) Encode(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// Infer picks a Codec by the file extension of path. ".yaml" and ".yml"
// select YAML; every other extension, including none, defaults to JSON.
func Infer(path string) Codec {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlCodec{}
	default:
		return jsonCodec{}
	}
}
