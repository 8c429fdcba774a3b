// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"github.com/spf13/pflag"
)

// FlagBinder is implemented by types that register their own flags.
// [BindFlags] calls AddFlags for any struct field whose pointer
// implements it, instead of reflecting over the field's tags.
type FlagBinder interface {
	AddFlags(flagSet *pflag.FlagSet)
}

// FlagsFromParams creates a [pflag.FlagSet] bound to the tagged fields of
// params, which must be a pointer to a struct. Panics on invalid input:
// params types are fixed at compile time.
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli.FlagsFromParams(%q): %v", name, err))
	}
	return flagSet
}

// BindFlags registers a flag for each tagged field of params.
//
// Tags:
//
//   - flag:"name" or flag:"name,n" gives the long name and an optional
//     shorthand. Untagged fields are skipped.
//   - desc:"text" is the help text.
//   - default:"value" is parsed according to the field type.
//
// Supported field types are string, bool, int, int64, uint64,
// [time.Duration] and []string. Embedded structs are bound recursively
// unless they implement [FlagBinder].
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Ptr || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	return bindStruct(value.Elem(), flagSet)
}

func bindStruct(structValue reflect.Value, flagSet *pflag.FlagSet) error {
	structType := structValue.Type()
	for i := range structType.NumField() {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		if field.Type.Kind() == reflect.Struct && (field.IsExported() || field.Anonymous) {
			if binder, ok := structPointer(fieldValue).(FlagBinder); ok {
				binder.AddFlags(flagSet)
				continue
			}
		}
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := bindStruct(fieldValue, flagSet); err != nil {
				return fmt.Errorf("embedded %s: %w", field.Name, err)
			}
			continue
		}

		tag := field.Tag.Get("flag")
		if tag == "" {
			continue
		}
		name, shorthand, _ := strings.Cut(tag, ",")
		if err := bindField(fieldValue.Addr().Interface(), flagSet, name, shorthand,
			field.Tag.Get("desc"), field.Tag.Get("default")); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return nil
}

// structPointer returns a pointer to an addressable struct field. An
// unexported embedded field is reachable through reflect.NewAt, since
// its promoted methods belong to the outer type anyway.
func structPointer(fieldValue reflect.Value) any {
	if fieldValue.CanInterface() {
		return fieldValue.Addr().Interface()
	}
	return reflect.NewAt(fieldValue.Type(), unsafe.Pointer(fieldValue.UnsafeAddr())).Interface()
}

func bindField(pointer any, flagSet *pflag.FlagSet, name, shorthand, description, defaultText string) error {
	var err error
	switch target := pointer.(type) {
	case *string:
		flagSet.StringVarP(target, name, shorthand, defaultText, description)
	case *bool:
		var value bool
		value, err = parseDefault(defaultText, strconv.ParseBool)
		flagSet.BoolVarP(target, name, shorthand, value, description)
	case *int:
		var value int
		value, err = parseDefault(defaultText, strconv.Atoi)
		flagSet.IntVarP(target, name, shorthand, value, description)
	case *int64:
		var value int64
		value, err = parseDefault(defaultText, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
		flagSet.Int64VarP(target, name, shorthand, value, description)
	case *uint64:
		var value uint64
		value, err = parseDefault(defaultText, func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) })
		flagSet.Uint64VarP(target, name, shorthand, value, description)
	case *time.Duration:
		var value time.Duration
		value, err = parseDefault(defaultText, time.ParseDuration)
		flagSet.DurationVarP(target, name, shorthand, value, description)
	case *[]string:
		var value []string
		if defaultText != "" {
			value = strings.Split(defaultText, ",")
		}
		flagSet.StringSliceVarP(target, name, shorthand, value, description)
	default:
		return fmt.Errorf("unsupported type %T for flag --%s", pointer, name)
	}
	if err != nil {
		return fmt.Errorf("default for --%s: %w", name, err)
	}
	return nil
}

func parseDefault[T any](text string, parse func(string) (T, error)) (T, error) {
	var zero T
	if text == "" {
		return zero, nil
	}
	return parse(text)
}
