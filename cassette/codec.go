package cassette

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Codec turns a Document into bytes and back.
type Codec interface {
	Extension() string
	Marshal(doc *Document) ([]byte, error)
	Unmarshal(data []byte) (*Document, error)
}

var (
	YAML Codec = yamlCodec{}
	JSON Codec = jsonCodec{}
)

// CodecFor returns the codec registered for a format name ("yaml", "yml"
// or "json").
func CodecFor(format string) (Codec, error) {
	switch strings.ToLower(format) {
	case "", "yaml", "yml":
		return YAML, nil
	case "json":
		return JSON, nil
	}
	return nil, fmt.Errorf("unknown cassette format %q", format)
}

func Encode(c Codec, name string, interactions []Interaction) ([]byte, error) {
	return c.Marshal(NewDocument(name, interactions))
}

func Decode(c Codec, data []byte) ([]Interaction, error) {
	doc, err := c.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return doc.Decode()
}

type yamlCodec struct{}

func (yamlCodec) Extension() string { return ".yaml" }

func (yamlCodec) Marshal(doc *Document) ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode yaml cassette: %w", err)
	}
	quoteBodies(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, fmt.Errorf("encode yaml cassette: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode yaml cassette: %w", err)
	}
	return buf.Bytes(), nil
}

// quoteBodies writes every body in double-quoted style. Block and plain
// scalars lose leading tabs and lone line breaks on the way back in.
func quoteBodies(n *yaml.Node) {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, value := n.Content[i], n.Content[i+1]
			if key.Value == "body" && value.Kind == yaml.ScalarNode {
				value.Style = yaml.DoubleQuotedStyle
			}
		}
	}
	for _, child := range n.Content {
		quoteBodies(child)
	}
}

func (yamlCodec) Unmarshal(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml cassette: %w", err)
	}
	return &doc, nil
}

type jsonCodec struct{}

func (jsonCodec) Extension() string { return ".json" }

func (jsonCodec) Marshal(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json cassette: %w", err)
	}
	return append(data, '\n'), nil
}

func (jsonCodec) Unmarshal(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json cassette: %w", err)
	}
	if err := documentSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid json cassette: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode json cassette: %w", err)
	}
	return &doc, nil
}

var documentSchema = jsonschema.MustCompileString("cassette.schema.json", `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["interactions"],
  "properties": {
    "version": {"type": "string"},
    "name": {"type": "string"},
    "interactions": {
      "type": "array",
      "items": {"$ref": "#/$defs/interaction"}
    }
  },
  "$defs": {
    "headers": {
      "type": "object",
      "additionalProperties": {"type": "array", "items": {"type": "string"}}
    },
    "encoding": {"enum": ["", "base64"]},
    "interaction": {
      "type": "object",
      "required": ["request", "response"],
      "properties": {
        "recorded_at": {"type": "string"},
        "request": {
          "type": "object",
          "required": ["method", "url"],
          "properties": {
            "method": {"type": "string", "minLength": 1},
            "url": {"type": "string", "minLength": 1},
            "headers": {"$ref": "#/$defs/headers"},
            "body": {"type": "string"},
            "body_encoding": {"$ref": "#/$defs/encoding"}
          }
        },
        "response": {
          "type": "object",
          "required": ["status_code"],
          "properties": {
            "status": {"type": "string"},
            "status_code": {"type": "integer", "minimum": 100, "maximum": 999},
            "proto": {"type": "string"},
            "headers": {"$ref": "#/$defs/headers"},
            "trailers": {"$ref": "#/$defs/headers"},
            "body": {"type": "string"},
            "body_encoding": {"$ref": "#/$defs/encoding"},
            "content_length": {"type": "integer"},
            "uncompressed": {"type": "boolean"}
          }
        }
      }
    }
  }
}`)
