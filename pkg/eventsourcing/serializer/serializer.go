// Package serializer implements the bidirectional mapping between a
// domain object graph and a JSON-compatible tree. Every event and
// value object declares its wire shape with an `es:"name,type"` struct
// tag; the serializer walks that declaration with reflection instead
// of relying on encoding/json's own tag rules, so field coercion
// (Date, DateTime, Symbol, nested ValueObjects, typed arrays) can
// enforce the strict per-type rules the domain requires.
package serializer

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
)

// fieldType is the declared wire type of a tagged field.
type fieldType string

const (
	typeString   fieldType = "string"
	typeInteger  fieldType = "integer"
	typeBoolean  fieldType = "boolean"
	typeSymbol   fieldType = "symbol"
	typeDate     fieldType = "date"
	typeDateTime fieldType = "datetime"
	typeObject   fieldType = "object"
)

// Registry maps an event_type string to a constructor producing a
// pointer to the zero-value concrete payload, so Deserialize can build
// the right Go type from nothing but the wire event_type. Aggregates
// register their events with an explicit call during process wiring;
// see internal/billing/events.go's RegisterEvents for the pattern.
type Registry struct {
	ctors map[string]func() domain.Event
}

// NewRegistry returns an empty event-type registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]func() domain.Event)}
}

// Register associates eventType with a constructor. Registering the
// same eventType twice is a programmer error and panics, matching the
// teacher's fail-fast registration style elsewhere in the codebase.
func (r *Registry) Register(eventType string, ctor func() domain.Event) {
	if _, exists := r.ctors[eventType]; exists {
		panic(fmt.Sprintf("serializer: event type %q already registered", eventType))
	}
	r.ctors[eventType] = ctor
}

func (r *Registry) lookup(eventType string) (func() domain.Event, error) {
	ctor, ok := r.ctors[eventType]
	if !ok {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("no constructor registered for event type %q", eventType)}
	}
	return ctor, nil
}

// Attributes projects obj's tagged fields into a JSON-compatible
// map[string]interface{}, applying the per-type encode rules and
// skipping any field marked `payload:"-"`.
func Attributes(obj interface{}) (map[string]interface{}, error) {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return map[string]interface{}{}, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("cannot project attributes of non-struct %T", obj)}
	}

	out := make(map[string]interface{})
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if sf.Tag.Get("payload") == "-" {
			continue
		}
		name, ft, isArray, ok := parseTag(sf)
		if !ok {
			continue
		}
		encoded, err := encodeField(v.Field(i), ft, isArray)
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	return out, nil
}

// Payload serializes an event to its attributes() map plus the
// mandatory event_type discriminator, matching spec §4.A's
// serialize(obj) contract for events.
func Payload(ev domain.Event) (map[string]interface{}, error) {
	attrs, err := Attributes(ev)
	if err != nil {
		return nil, err
	}
	attrs["event_type"] = ev.EventType()
	return attrs, nil
}

// Deserialize constructs an instance of the type registered for
// eventType, coercing each declared field out of tree. Unknown
// declared field types or malformed scalar values fail with
// SerializationError, never a partially-populated value.
func (r *Registry) Deserialize(eventType string, tree map[string]interface{}) (domain.Event, error) {
	ctor, err := r.lookup(eventType)
	if err != nil {
		return nil, err
	}
	instance := ctor()

	v := reflect.ValueOf(instance)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("constructor for %q must return a non-nil pointer", eventType)}
	}
	elem := v.Elem()
	t := elem.Type()

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Tag.Get("payload") == "-" {
			continue
		}
		name, ft, isArray, ok := parseTag(sf)
		if !ok {
			continue
		}
		raw, present := tree[name]
		if !present || raw == nil {
			continue
		}
		if err := decodeField(elem.Field(i), ft, isArray, raw); err != nil {
			return nil, err
		}
	}

	return reflect.Indirect(v).Addr().Interface().(domain.Event), nil
}

// parseTag reads the `es:"name,type"` (optionally `es:"name,type[]"`
// for an array of T) declaration off a struct field. ok is false for
// fields with no es tag, those are left out of the wire shape
// entirely (distinct from payload:"-", which excludes a field that
// otherwise *does* have an es tag, e.g. a cached derived value).
// A field additionally tagged `tenant:"true"` (e.g. organization_id)
// still serializes to the wire form but is left out of
// EqualityProjection, matching the aggregate_id/sequence_number
// exclusion that's automatic for those since they're envelope
// metadata rather than struct fields here.
func parseTag(sf reflect.StructField) (name string, ft fieldType, isArray bool, ok bool) {
	tag, present := sf.Tag.Lookup("es")
	if !present || tag == "" {
		return "", "", false, false
	}
	parts := strings.SplitN(tag, ",", 2)
	name = parts[0]
	typ := "string"
	if len(parts) == 2 {
		typ = parts[1]
	}
	if strings.HasSuffix(typ, "[]") {
		isArray = true
		typ = strings.TrimSuffix(typ, "[]")
	}
	return name, fieldType(typ), isArray, true
}

func encodeField(fv reflect.Value, ft fieldType, isArray bool) (interface{}, error) {
	if isArray {
		if fv.Kind() != reflect.Slice {
			return nil, &domain.SerializationError{Reason: "declared array type on non-slice field"}
		}
		if fv.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			encoded, err := encodeScalar(fv.Index(i), ft)
			if err != nil {
				return nil, err
			}
			out[i] = encoded
		}
		return out, nil
	}
	return encodeScalar(fv, ft)
}

func encodeScalar(fv reflect.Value, ft fieldType) (interface{}, error) {
	switch ft {
	case typeString:
		return fv.String(), nil
	case typeInteger:
		switch fv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return fv.Int(), nil
		default:
			return nil, &domain.SerializationError{Reason: "declared integer type on non-integer field"}
		}
	case typeBoolean:
		return fv.Bool(), nil
	case typeSymbol:
		sym, ok := fv.Interface().(domain.Symbol)
		if !ok {
			return nil, &domain.SerializationError{Reason: "declared symbol type on non-Symbol field"}
		}
		if sym.IsZero() {
			return nil, nil
		}
		return sym.String(), nil
	case typeDate:
		date, ok := fv.Interface().(domain.Date)
		if !ok {
			return nil, &domain.SerializationError{Reason: "declared date type on non-Date field"}
		}
		if date.IsZero() {
			return nil, nil
		}
		return date.String(), nil
	case typeDateTime:
		dt, ok := fv.Interface().(domain.DateTime)
		if !ok {
			return nil, &domain.SerializationError{Reason: "declared datetime type on non-DateTime field"}
		}
		if dt.IsZero() {
			return nil, nil
		}
		return dt.Time().Format("2006-01-02T15:04:05.999999999Z07:00"), nil
	case typeObject:
		if fv.Kind() == reflect.Ptr && fv.IsNil() {
			return nil, nil
		}
		return Attributes(fv.Interface())
	default:
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("unknown declared field type %q", ft)}
	}
}

func decodeField(fv reflect.Value, ft fieldType, isArray bool, raw interface{}) error {
	if isArray {
		rawSlice, ok := raw.([]interface{})
		if !ok {
			return &domain.SerializationError{Reason: "expected array value for declared array field"}
		}
		out := reflect.MakeSlice(fv.Type(), len(rawSlice), len(rawSlice))
		for i, elem := range rawSlice {
			if err := decodeScalar(out.Index(i), ft, elem); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	}
	return decodeScalar(fv, ft, raw)
}

func decodeScalar(fv reflect.Value, ft fieldType, raw interface{}) error {
	switch ft {
	case typeString:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		fv.SetString(s)
		return nil
	case typeInteger:
		n, err := asInteger(raw)
		if err != nil {
			return err
		}
		fv.SetInt(n)
		return nil
	case typeBoolean:
		b, err := asBoolean(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
		return nil
	case typeSymbol:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		fv.Set(reflect.ValueOf(domain.NewSymbol(s)))
		return nil
	case typeDate:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		d, err := domain.ParseDate(s)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(d))
		return nil
	case typeDateTime:
		s, err := asString(raw)
		if err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return nil
		}
		dt, err := domain.ParseDateTime(s)
		if err != nil {
			return err
		}
		fv.Set(reflect.ValueOf(dt))
		return nil
	case typeObject:
		tree, ok := raw.(map[string]interface{})
		if !ok {
			return &domain.SerializationError{Reason: "expected object value for declared object field"}
		}
		return decodeValueObject(fv, tree)
	default:
		return &domain.SerializationError{Reason: fmt.Sprintf("unknown declared field type %q", ft)}
	}
}

// decodeValueObject recursively deserializes a nested ValueObject in
// place, allocating a new instance if fv is a nil pointer.
func decodeValueObject(fv reflect.Value, tree map[string]interface{}) error {
	target := fv
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		target = fv.Elem()
	}
	if target.Kind() != reflect.Struct {
		return &domain.SerializationError{Reason: "declared object type on non-struct field"}
	}
	t := target.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() || sf.Tag.Get("payload") == "-" {
			continue
		}
		name, ft, isArray, ok := parseTag(sf)
		if !ok {
			continue
		}
		raw, present := tree[name]
		if !present || raw == nil {
			continue
		}
		if err := decodeField(target.Field(i), ft, isArray, raw); err != nil {
			return err
		}
	}
	if vo, ok := target.Addr().Interface().(domain.ValueObject); ok {
		if err := vo.Validate(); err != nil {
			return &domain.SerializationError{Reason: err.Error()}
		}
	}
	return nil
}

func asString(raw interface{}) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", &domain.SerializationError{Reason: fmt.Sprintf("expected string, got %T", raw)}
	}
	return s, nil
}

func asInteger(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		if v == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, &domain.SerializationError{Reason: fmt.Sprintf("malformed integer %q", v)}
		}
		return n, nil
	default:
		return 0, &domain.SerializationError{Reason: fmt.Sprintf("cannot coerce %T to integer", raw)}
	}
}

func asBoolean(raw interface{}) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true", "t", "1":
			return true, nil
		case "false", "f", "0", "":
			return false, nil
		}
		return false, &domain.SerializationError{Reason: fmt.Sprintf("malformed boolean %q", v)}
	default:
		return false, &domain.SerializationError{Reason: fmt.Sprintf("cannot coerce %T to boolean", raw)}
	}
}

// EqualityProjection builds the payload() projection spec'd for
// structural equality: obj's tagged fields, like Attributes, but with
// fields tagged `tenant:"true"` left out (aggregate_id and
// sequence_number are envelope metadata, never struct fields here, so
// they're excluded automatically by only walking obj's own fields).
// If obj is an Event, the projection also carries event_type, the one
// field equality cares about that isn't itself an es-tagged field.
func EqualityProjection(obj interface{}) (map[string]interface{}, error) {
	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return map[string]interface{}{}, nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("cannot project payload of non-struct %T", obj)}
	}

	out := make(map[string]interface{})
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if sf.Tag.Get("payload") == "-" || sf.Tag.Get("tenant") == "true" {
			continue
		}
		name, ft, isArray, ok := parseTag(sf)
		if !ok {
			continue
		}
		encoded, err := encodeField(v.Field(i), ft, isArray)
		if err != nil {
			return nil, err
		}
		out[name] = encoded
	}
	if ev, ok := obj.(domain.Event); ok {
		out["event_type"] = ev.EventType()
	}
	return out, nil
}

// Equal reports whether a and b have identical payload() projections.
// Plain Go == can't be used for this: it panics on any event or value
// object that carries a slice field, and it compares Date/DateTime/
// Symbol by their internal representation rather than by the value
// they encode. Equal instead compares what each side would serialize
// to, tenant-scoping fields excluded, which is what spec equality
// means for an event or value object.
func Equal(a, b interface{}) (bool, error) {
	pa, err := EqualityProjection(a)
	if err != nil {
		return false, err
	}
	pb, err := EqualityProjection(b)
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(pa, pb), nil
}

// SortedKeys returns tree's keys in ascending lexical order, for
// callers that need a deterministic iteration order over an
// attributes() map.
func SortedKeys(tree map[string]interface{}) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
