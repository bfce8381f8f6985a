// Package subject validates application-defined subject payloads against declared
// JSON Schemas and encodes them deterministically for embedding in issued tokens.
//
// Claims use the JSON value model: string, bool, nil, float64, int64, []any and
// map[string]any. Encoding uses CBOR Core Deterministic Encoding, so equal claims
// always produce equal bytes and Decode reproduces the original map exactly.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/xeipuuv/gojsonschema"
)

// TypeUser is the subject type issued for password logins.
const TypeUser = "user"

// UserSchema declares the user subject: an object with a string id.
const UserSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"id": {"type": "string"}
	},
	"required": ["id"]
}`

var (
	// ErrUnknownSubjectType is returned when no schema is declared for a subject type.
	ErrUnknownSubjectType = errors.New("unknown subject type")

	// ErrSchemaViolation is matched by every *SchemaViolationError.
	ErrSchemaViolation = errors.New("subject violates schema")

	// ErrUnsupportedValue is returned for claim values outside the JSON value model.
	ErrUnsupportedValue = errors.New("unsupported claim value")
)

// SchemaViolationError lists the fields of a claims map that failed validation.
type SchemaViolationError struct {
	SubjectType string
	Fields      []string
	Details     []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("subject %q violates schema: %s", e.SubjectType, strings.Join(e.Details, "; "))
}

// Is makes errors.Is(err, ErrSchemaViolation) succeed.
func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Schemas maps a subject type name to its JSON Schema document.
type Schemas map[string]string

// DefaultSchemas declares the user subject only.
func DefaultSchemas() Schemas {
	return Schemas{TypeUser: UserSchema}
}

// Encoded is a validated subject in its deterministic wire form.
type Encoded struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// ID returns a stable identifier derived from the subject type and encoded claims.
func (e Encoded) ID() string {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write(e.Data)
	return e.Type + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Encoder validates and encodes subjects for a fixed set of schemas.
type Encoder struct {
	schemas map[string]*gojsonschema.Schema
	enc     cbor.EncMode
	dec     cbor.DecMode
}

// New compiles every schema. It fails if any document is not a valid JSON Schema.
func New(schemas Schemas) (*Encoder, error) {
	if len(schemas) == 0 {
		return nil, fmt.Errorf("at least one subject schema is required")
	}

	compiled := make(map[string]*gojsonschema.Schema, len(schemas))
	for name, doc := range schemas {
		if name == "" {
			return nil, fmt.Errorf("subject type name cannot be empty")
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for subject %q: %w", name, err)
		}
		compiled[name] = s
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create cbor decoder: %w", err)
	}

	return &Encoder{schemas: compiled, enc: enc, dec: dec}, nil
}

// Types returns the declared subject types in sorted order.
func (e *Encoder) Types() []string {
	types := make([]string, 0, len(e.schemas))
	for name := range e.schemas {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// Validate checks claims against the schema declared for subjectType.
func (e *Encoder) Validate(subjectType string, claims map[string]any) error {
	schema, ok := e.schemas[subjectType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSubjectType, subjectType)
	}
	if claims == nil {
		claims = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(claims))
	if err != nil {
		return fmt.Errorf("failed to validate subject %q: %w", subjectType, err)
	}
	if result.Valid() {
		return nil
	}

	violation := &SchemaViolationError{SubjectType: subjectType}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if desc.Type() == "required" {
			if prop, ok := desc.Details()["property"].(string); ok {
				field = prop
			}
		}
		violation.Fields = append(violation.Fields, field)
		violation.Details = append(violation.Details, field+": "+desc.Description())
	}
	return violation
}

// Encode validates claims and returns their deterministic encoding.
func (e *Encoder) Encode(subjectType string, claims map[string]any) (Encoded, error) {
	if err := e.Validate(subjectType, claims); err != nil {
		return Encoded{}, err
	}
	if claims == nil {
		claims = map[string]any{}
	}
	if err := checkValue("", claims); err != nil {
		return Encoded{}, err
	}

	data, err := e.enc.Marshal(claims)
	if err != nil {
		return Encoded{}, fmt.Errorf("failed to encode subject %q: %w", subjectType, err)
	}
	return Encoded{Type: subjectType, Data: data}, nil
}

// Decode returns the subject type and claims held by an Encoded value.
func (e *Encoder) Decode(enc Encoded) (string, map[string]any, error) {
	if _, ok := e.schemas[enc.Type]; !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownSubjectType, enc.Type)
	}
	var claims map[string]any
	if err := e.dec.Unmarshal(enc.Data, &claims); err != nil {
		return "", nil, fmt.Errorf("failed to decode subject %q: %w", enc.Type, err)
	}
	if claims == nil {
		claims = map[string]any{}
	}
	return enc.Type, claims, nil
}

// checkValue rejects values that would not decode back unchanged: types outside
// the JSON model, invalid UTF-8 and nil slices or maps, which decode as nil.
func checkValue(path string, v any) error {
	switch val := v.(type) {
	case nil, bool, float64, int64:
		return nil
	case string:
		if !utf8.ValidString(val) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrUnsupportedValue, path)
		}
		return nil
	case map[string]any:
		if val == nil {
			return fmt.Errorf("%w: %s is a nil map", ErrUnsupportedValue, path)
		}
		for k, item := range val {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w: key %q under %s is not valid UTF-8", ErrUnsupportedValue, k, path)
			}
			if err := checkValue(joinPath(path, k), item); err != nil {
				return err
			}
		}
		return nil
	case []any:
		if val == nil {
			return fmt.Errorf("%w: %s is a nil slice", ErrUnsupportedValue, path)
		}
		for i, item := range val {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has type %T", ErrUnsupportedValue, path, v)
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
