package versia

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Registry maps discriminants to constructors of their concrete variant.
type Registry struct {
	ctors map[Type]func() Entity
}

// NewRegistry returns a registry holding every variant of the entity union.
func NewRegistry() *Registry {
	return &Registry{ctors: map[Type]func() Entity{
		TypeNote:             func() Entity { return &Note{} },
		TypeUser:             func() Entity { return &User{} },
		TypeDelete:           func() Entity { return &Delete{} },
		TypeFollow:           func() Entity { return &Follow{} },
		TypeFollowAccept:     func() Entity { return &FollowAccept{} },
		TypeFollowReject:     func() Entity { return &FollowReject{} },
		TypeReaction:         func() Entity { return &Reaction{} },
		TypeReport:           func() Entity { return &Report{} },
		TypeInstanceMetadata: func() Entity { return &InstanceMetadata{} },
		TypeURICollection:    func() Entity { return &URICollection{} },
	}}
}

// Known reports whether t is a registered discriminant.
func (r *Registry) Known(t Type) bool {
	_, ok := r.ctors[t]
	return ok
}

// Types lists the registered discriminants in sorted order.
func (r *Registry) Types() []Type {
	out := make([]Type, 0, len(r.ctors))
	for t := range r.ctors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) newEntity(t Type) (Entity, bool) {
	ctor, ok := r.ctors[t]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Codec parses, validates and serializes entities. It is safe for concurrent use.
type Codec struct {
	registry *Registry
	validate *validator.Validate
}

// NewCodec creates a codec over the given registry (nil means the full union).
func NewCodec(registry *Registry) *Codec {
	if registry == nil {
		registry = NewRegistry()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Codec{registry: registry, validate: v}
}

var defaultCodec = NewCodec(nil)

// Parse decodes and validates an entity with the default codec.
func Parse(data []byte) (Entity, error) {
	return defaultCodec.Parse(data)
}

// Serialize validates and encodes an entity with the default codec.
func Serialize(e Entity) ([]byte, error) {
	return defaultCodec.Serialize(e)
}

// Validate checks an entity against its schema with the default codec.
func Validate(e Entity) error {
	return defaultCodec.Validate(e)
}

// Parse decodes data into the variant named by its "type" field.
// Unknown discriminants, malformed JSON, mistyped or missing fields yield *SchemaError.
func (c *Codec) Parse(data []byte) (Entity, error) {
	var head struct {
		Type *Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &SchemaError{Reason: "malformed json", Err: err}
	}
	if head.Type == nil || *head.Type == "" {
		return nil, &SchemaError{Field: "type", Reason: "missing discriminant"}
	}
	entity, ok := c.registry.newEntity(*head.Type)
	if !ok {
		return nil, &SchemaError{Type: *head.Type, Field: "type", Reason: "unknown discriminant"}
	}

	if err := json.Unmarshal(data, entity); err != nil {
		schemaErr := &SchemaError{Type: *head.Type, Reason: "mistyped field", Err: err}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			schemaErr.Field = typeErr.Field
		}
		return nil, schemaErr
	}

	if err := c.Validate(entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Serialize produces the canonical JSON form of e: struct field order, sorted extension
// keys, compact output and UTC timestamps. A missing envelope type is filled in.
func (c *Codec) Serialize(e Entity) ([]byte, error) {
	if e == nil || reflect.ValueOf(e).IsNil() {
		return nil, &SchemaError{Reason: "nil entity"}
	}
	h := e.Header()
	if h.Type == "" {
		h.Type = e.EntityType()
	}
	h.CreatedAt = h.CreatedAt.UTC()
	if err := c.Validate(e); err != nil {
		return nil, err
	}
	// Extension values are kept as received, so HTML characters must not be escaped.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, &SchemaError{Type: h.Type, Reason: "encode", Err: err}
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Validate runs envelope checks and the variant's struct-tag schema.
func (c *Codec) Validate(e Entity) error {
	h := e.Header()
	t := e.EntityType()
	if !c.registry.Known(t) {
		return &SchemaError{Type: t, Field: "type", Reason: "unknown discriminant"}
	}
	if h.Type != t {
		return &SchemaError{Type: t, Field: "type", Reason: fmt.Sprintf("discriminant %q does not match variant", h.Type)}
	}
	if h.ID == uuid.Nil {
		return &SchemaError{Type: t, Field: "id", Reason: "required"}
	}
	if h.CreatedAt.IsZero() {
		return &SchemaError{Type: t, Field: "created_at", Reason: "required"}
	}
	for key := range h.Extensions {
		if key == "" {
			return &SchemaError{Type: t, Field: "extensions", Reason: "empty extension key"}
		}
	}

	if err := c.validate.Struct(e); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &SchemaError{Type: t, Field: fieldPath(fe.Namespace()), Reason: "failed " + fe.Tag(), Err: err}
		}
		return &SchemaError{Type: t, Reason: "invalid", Err: err}
	}

	switch v := e.(type) {
	case *Note:
		if !v.Content.valid() {
			return &SchemaError{Type: t, Field: "content", Reason: "content keys must be media types"}
		}
	case *User:
		if !v.Bio.valid() {
			return &SchemaError{Type: t, Field: "bio", Reason: "bio keys must be media types"}
		}
		if v.PublicKey.Actor != v.URI {
			return &SchemaError{Type: t, Field: "public_key.actor", Reason: "key owner must be the user"}
		}
	}
	return nil
}

// fieldPath drops the root struct name and the embedded envelope from a validator namespace.
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "Envelope" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
