package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"mcpkit/internal/domain"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

type signature struct {
	method       string
	input        reflect.Type
	inputPointer bool
	output       reflect.Type
}

// inspectMethod checks that method on target has one of the accepted shapes:
//
//	func(ctx context.Context, in In) (Out, error)
//	func(ctx context.Context, in *In) (Out, error)
//	func(ctx context.Context) (Out, error)
//
// where In is a struct.
func inspectMethod(target reflect.Type, method string) (signature, error) {
	sig := signature{method: method}
	fn, ok := reflect.PointerTo(target).MethodByName(method)
	if !ok {
		return sig, fmt.Errorf("%w: %s has no exported method %s", domain.ErrInvalidDeclaration, target.Name(), method)
	}
	mt := fn.Type // receiver is In(0)
	invalid := func(reason string) (signature, error) {
		return sig, fmt.Errorf("%w: %s.%s: %s", domain.ErrInvalidDeclaration, target.Name(), method, reason)
	}
	if mt.NumIn() < 2 || mt.NumIn() > 3 || mt.In(1) != contextType {
		return invalid("want func(context.Context[, In]) (Out, error)")
	}
	if mt.NumOut() != 2 || mt.Out(1) != errorType {
		return invalid("want (Out, error) results")
	}
	if mt.NumIn() == 3 {
		in := mt.In(2)
		if in.Kind() == reflect.Pointer {
			sig.inputPointer = true
			in = in.Elem()
		}
		if in.Kind() != reflect.Struct {
			return invalid("input must be a struct")
		}
		sig.input = in
	}
	sig.output = mt.Out(0)
	return sig, nil
}

// bind returns a handler calling the method on instance with decoded arguments.
func bind(instance reflect.Value, sig signature) domain.Handler {
	method := instance.MethodByName(sig.method)
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		in := []reflect.Value{reflect.ValueOf(ctx)}
		if sig.input != nil {
			ptr := reflect.New(sig.input)
			if len(args) > 0 {
				if err := json.Unmarshal(args, ptr.Interface()); err != nil {
					return nil, fmt.Errorf("decode %s arguments: %w: %w", sig.method, domain.ErrInvalidArguments, err)
				}
			}
			if sig.inputPointer {
				in = append(in, ptr)
			} else {
				in = append(in, ptr.Elem())
			}
		}
		out := method.Call(in)
		var err error
		if e := out[1].Interface(); e != nil {
			err = e.(error)
		}
		if err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
}
