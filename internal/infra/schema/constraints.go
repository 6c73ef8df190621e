package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"mcpkit/internal/domain"
)

// Struct tags read from input and output types.
//
//	type ForecastInput struct {
//		City string `json:"city" constraint:"minLength=1,maxLength=80" description:"City name"`
//		Days int    `json:"days" constraint:"minimum=1,maximum=14" default:"3"`
//		Unit string `json:"unit" constraint:"enum=metric|imperial,optional"`
//		Zip  string `json:"zip" pattern:"^[0-9]{5}$" constraint:"optional"`
//	}
const (
	tagConstraint  = "constraint"
	tagDefault     = "default"
	tagDescription = "description"
	tagPattern     = "pattern"
)

// ParseConstraints reads the field constraints of struct type t in
// declaration order. Fields of embedded structs are flattened the way
// encoding/json flattens them.
func ParseConstraints(t reflect.Type) ([]domain.FieldConstraint, error) {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: input type %v is not a struct", domain.ErrInvalidDeclaration, t)
	}
	var (
		out  []domain.FieldConstraint
		errs []string
	)
	collectFields(t, &out, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", domain.ErrInvalidDeclaration, t.Name(), strings.Join(errs, "; "))
	}
	return out, nil
}

func collectFields(t reflect.Type, out *[]domain.FieldConstraint, errs *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, skip := jsonName(field)
		if skip {
			continue
		}
		if field.Anonymous && name == "" {
			ft := field.Type
			for ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectFields(ft, out, errs)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		fc, err := fieldConstraint(field, name)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("field %s: %v", name, err))
			continue
		}
		*out = append(*out, fc)
	}
}

func jsonName(field reflect.StructField) (string, bool) {
	tag, ok := field.Tag.Lookup("json")
	if !ok {
		return "", false
	}
	if tag == "-" {
		return "", true
	}
	name, _, _ := strings.Cut(tag, ",")
	return name, false
}

func fieldConstraint(field reflect.StructField, name string) (domain.FieldConstraint, error) {
	fc := domain.FieldConstraint{
		Name:        name,
		GoName:      field.Name,
		Required:    true,
		Description: field.Tag.Get(tagDescription),
		Pattern:     field.Tag.Get(tagPattern),
	}
	declared := ""
	for _, item := range strings.Split(field.Tag.Get(tagConstraint), ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, hasValue := strings.Cut(item, "=")
		var err error
		switch key {
		case "optional":
			fc.Required = false
		case "required":
			fc.Required = true
		case "type":
			declared = value
		case "enum":
			fc.Enum = strings.Split(value, "|")
		case "minLength", "maxLength":
			var n int
			n, err = strconv.Atoi(value)
			if err == nil && n < 0 {
				err = fmt.Errorf("negative length %d", n)
			}
			if key == "minLength" {
				fc.MinLength = &n
			} else {
				fc.MaxLength = &n
			}
		case "minimum", "maximum":
			var f float64
			f, err = strconv.ParseFloat(value, 64)
			if key == "minimum" {
				fc.Minimum = &f
			} else {
				fc.Maximum = &f
			}
		default:
			err = fmt.Errorf("unknown constraint %q", key)
		}
		if err == nil && !hasValue && key != "optional" && key != "required" {
			err = fmt.Errorf("constraint %q needs a value", key)
		}
		if err != nil {
			return fc, err
		}
	}

	rawDefault, hasDefault := field.Tag.Lookup(tagDefault)
	fieldType, err := resolveFieldType(declared, field.Type, fc.Enum, rawDefault, hasDefault)
	if err != nil {
		return fc, err
	}
	fc.Type = fieldType
	if hasDefault {
		value, err := parseDefault(fieldType, rawDefault)
		if err != nil {
			return fc, fmt.Errorf("default %q: %w", rawDefault, err)
		}
		fc.Default = value
		fc.HasDefault = true
	}
	if fc.MinLength != nil && fc.MaxLength != nil && *fc.MinLength > *fc.MaxLength {
		return fc, fmt.Errorf("minLength %d exceeds maxLength %d", *fc.MinLength, *fc.MaxLength)
	}
	if fc.Minimum != nil && fc.Maximum != nil && *fc.Minimum > *fc.Maximum {
		return fc, fmt.Errorf("minimum %v exceeds maximum %v", *fc.Minimum, *fc.Maximum)
	}
	return fc, nil
}

func resolveFieldType(declared string, goType reflect.Type, enum []string, rawDefault string, hasDefault bool) (domain.FieldType, error) {
	if declared != "" {
		switch ft := domain.FieldType(declared); ft {
		case domain.FieldString, domain.FieldNumber, domain.FieldInteger, domain.FieldBoolean,
			domain.FieldEnum, domain.FieldObject, domain.FieldArray:
			if ft == domain.FieldEnum && len(enum) == 0 {
				return "", fmt.Errorf("type enum without enum values")
			}
			return ft, nil
		default:
			return "", fmt.Errorf("unknown type %q", declared)
		}
	}
	if len(enum) > 0 {
		return domain.FieldEnum, nil
	}
	for goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}
	switch goType.Kind() {
	case reflect.String:
		return domain.FieldString, nil
	case reflect.Bool:
		return domain.FieldBoolean, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return domain.FieldInteger, nil
	case reflect.Float32, reflect.Float64:
		return domain.FieldNumber, nil
	case reflect.Struct, reflect.Map:
		return domain.FieldObject, nil
	case reflect.Slice, reflect.Array:
		return domain.FieldArray, nil
	case reflect.Interface:
		if hasDefault {
			return typeOfDefault(rawDefault), nil
		}
		return "", fmt.Errorf("untyped field needs a type constraint or a default")
	default:
		return "", fmt.Errorf("unsupported kind %s", goType.Kind())
	}
}

// typeOfDefault infers the type of an untyped field from its default literal.
func typeOfDefault(raw string) domain.FieldType {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return domain.FieldString
	}
	switch v := value.(type) {
	case bool:
		return domain.FieldBoolean
	case float64:
		if v == float64(int64(v)) && !strings.ContainsAny(raw, ".eE") {
			return domain.FieldInteger
		}
		return domain.FieldNumber
	case map[string]any:
		return domain.FieldObject
	case []any:
		return domain.FieldArray
	default:
		return domain.FieldString
	}
}

func parseDefault(fieldType domain.FieldType, raw string) (any, error) {
	switch fieldType {
	case domain.FieldString, domain.FieldEnum:
		return raw, nil
	case domain.FieldBoolean:
		return strconv.ParseBool(raw)
	case domain.FieldInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case domain.FieldNumber:
		return strconv.ParseFloat(raw, 64)
	default:
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, err
		}
		return value, nil
	}
}
