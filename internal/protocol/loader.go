package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	apiprotocol "github.com/savantlabs/savant/api/protocol"
)

//go:embed protocols.schema.json
var schemaJSON []byte

const schemaResource = "protocols.schema.json"

// LoadError records one excluded protocol and why it was rejected.
type LoadError struct {
	ProtocolID string
	Err        error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("protocol %s excluded: %v", e.ProtocolID, e.Err)
}

func (e LoadError) Unwrap() error {
	return e.Err
}

// LoadResult carries the accepted protocols in declaration order plus the
// per-protocol rejections.
type LoadResult struct {
	Protocols []apiprotocol.Protocol
	Rejected  []LoadError
}

// Load parses and validates a protocol library document. A document that
// fails structural schema validation is fatal; an individual protocol with
// a dangling step reference (or other invariant violation) is excluded
// with the offending step identified, leaving the rest of the library
// usable.
func Load(raw []byte) (LoadResult, error) {
	schema, err := compileSchema()
	if err != nil {
		return LoadResult{}, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return LoadResult{}, fmt.Errorf("parse protocol document: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return LoadResult{}, fmt.Errorf("protocol document failed schema validation: %w", err)
	}

	var doc apiprotocol.Document
	decoder := json.NewDecoder(bytes.NewReader(raw))
	if err := decoder.Decode(&doc); err != nil {
		return LoadResult{}, fmt.Errorf("decode protocol document: %w", err)
	}

	result := LoadResult{}
	for _, proto := range doc.Protocols {
		if err := proto.Validate(); err != nil {
			logger.Warn("excluding protocol with invalid tree", "protocol", proto.ID, "error", err)
			result.Rejected = append(result.Rejected, LoadError{ProtocolID: proto.ID, Err: err})
			continue
		}
		result.Protocols = append(result.Protocols, proto)
	}
	return result, nil
}

// LoadFile loads a protocol library from disk.
func LoadFile(path string) (LoadResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("read protocol document %s: %w", path, err)
	}
	return Load(raw)
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("register protocol schema: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile protocol schema: %w", err)
	}
	return schema, nil
}
