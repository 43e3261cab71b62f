package router

import (
	"context"
	"fmt"
	"reflect"

	"coro-rpc/codec"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// methodType is one exported method accepted by RegisterService.
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// RegisterService registers every exported method of rcvr that looks like
//
//	func (s *T) Method(args *Args, reply *Reply) error
//	func (s *T) Method(ctx context.Context, args *Args, reply *Reply) error
//
// under the name "T.Method". Each such function takes one argument (Args) and
// returns Reply. It returns the registered names.
func (r *Router) RegisterService(rcvr any) ([]string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("router: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("router: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	val := reflect.ValueOf(rcvr)
	svcName := typ.Elem().Name()

	var names []string
	for i := 0; i < typ.NumMethod(); i++ {
		mt, ok := scanMethod(typ.Method(i))
		if !ok {
			continue
		}
		name := svcName + "." + mt.method.Name
		if err := r.RegisterFunc(name, newMethodHandler(val, mt)); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("router: %s has no suitable methods", svcName)
	}
	return names, nil
}

func scanMethod(m reflect.Method) (*methodType, bool) {
	mt := m.Type
	if mt.NumOut() != 1 || mt.Out(0) != errorType {
		return nil, false
	}
	in := 1
	withCtx := false
	switch mt.NumIn() {
	case 3:
	case 4:
		if mt.In(1) != contextType {
			return nil, false
		}
		withCtx = true
		in = 2
	default:
		return nil, false
	}
	if mt.In(in).Kind() != reflect.Pointer || mt.In(in+1).Kind() != reflect.Pointer {
		return nil, false
	}
	return &methodType{
		method:    m,
		withCtx:   withCtx,
		ArgType:   mt.In(in).Elem(),
		ReplyType: mt.In(in + 1).Elem(),
	}, true
}

func newMethodHandler(rcvr reflect.Value, mt *methodType) Handler {
	return &handler{
		decode: func(c codec.Codec, body []byte) (any, error) {
			argv := reflect.New(mt.ArgType)
			if err := codec.DecodeArgs(c, body, argv.Interface()); err != nil {
				return nil, err
			}
			return argv, nil
		},
		invoke: func(ctx context.Context, args any, resp *Responder) {
			replyv := reflect.New(mt.ReplyType)
			in := []reflect.Value{rcvr}
			if mt.withCtx {
				in = append(in, reflect.ValueOf(ctx))
			}
			in = append(in, args.(reflect.Value), replyv)
			out := mt.method.Func.Call(in)
			if errv := out[0]; !errv.IsNil() {
				resp.Fail(errv.Interface().(error))
				return
			}
			resp.Respond(replyv.Interface())
		},
	}
}
