// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the tether.RequestHandler and
// tether.MessageHandler types for functions with other signatures.
//
// Parameters may be []byte or string, or a type whose pointer supports one of
// the encoding.BinaryUnmarshaler or encoding.TextUnmarshaler interfaces.
//
// Results may be []byte or string, or any type that supports the one of the
// encoding.BinaryMarshaler or encoding.TextMarshaler interfaces.
//
// The protocol has no error response: when an adapted function reports an
// error, the error is logged and no response is sent, so the caller's
// request times out.
package handler

import (
	"bytes"
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/tether"
)

// reqContextKey is a context key for the request value to a handler.
type reqContextKey struct{}

// ContextRequest returns the original request message passed to the handler,
// or nil if ctx has no associated request.  The context passed to a handler
// returned by this package will have this value.
func ContextRequest(ctx context.Context) *tether.Request {
	if v := ctx.Value(reqContextKey{}); v != nil {
		return v.(*tether.Request)
	}
	return nil
}

// respond wraps f as a request handler that answers with the result of f.
func respond(f func(context.Context, *tether.Request) ([]byte, error)) tether.RequestHandler {
	return func(ctx context.Context, c *tether.Conn, req *tether.Request) {
		hctx := context.WithValue(ctx, reqContextKey{}, req)
		data, err := f(hctx, req)
		if err != nil {
			c.Logger().Warn("request failed", "id", req.ID, "error", err)
			return
		}
		if err := c.Response(req.ID, data); err != nil {
			c.Logger().Debug("response failed", "id", req.ID, "error", err)
		}
	}
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a tether.RequestHandler.
func ParamResultError[P, R any](f func(context.Context, P) (R, error)) tether.RequestHandler {
	return respond(func(ctx context.Context, req *tether.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		r, err := f(ctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	})
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a tether.RequestHandler.
func ParamResult[P, R any](f func(context.Context, P) R) tether.RequestHandler {
	return respond(func(ctx context.Context, req *tether.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		return marshal(f(ctx, p))
	})
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a tether.RequestHandler. On success the
// response is empty.
func ParamError[P any](f func(context.Context, P) error) tether.RequestHandler {
	return respond(func(ctx context.Context, req *tether.Request) ([]byte, error) {
		var p P
		if err := unmarshal(req.Data, &p); err != nil {
			return nil, err
		}
		return nil, f(ctx, p)
	})
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a tether.RequestHandler.
func ResultError[R any](f func(context.Context) (R, error)) tether.RequestHandler {
	return respond(func(ctx context.Context, _ *tether.Request) ([]byte, error) {
		r, err := f(ctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	})
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R, to a tether.RequestHandler.
func ResultOnly[R any](f func(context.Context) R) tether.RequestHandler {
	return respond(func(ctx context.Context, _ *tether.Request) ([]byte, error) {
		return marshal(f(ctx))
	})
}

// Message adapts a function f that accepts parameters of type P to a
// tether.MessageHandler. Messages that do not decode are logged and dropped.
// Like any message handler, f must not block.
func Message[P any](f func(context.Context, P)) tether.MessageHandler {
	return func(ctx context.Context, c *tether.Conn, data []byte) {
		var p P
		if err := unmarshal(data, &p); err != nil {
			c.Logger().Warn("invalid message", "error", err)
			return
		}
		f(ctx, p)
	}
}

// unmarshal decodes data into v. The concrete type of v must be a pointer to a
// []byte or string, or must implement either the encoding.BinaryUnmarshaler
// interface or the encoding.TextUnmarshaler interface.  If v implements both,
// BinaryUnmarshaler is preferred.
func unmarshal(data []byte, v any) error {
	switch t := v.(type) {
	case *[]byte:
		*t = bytes.Clone(data)
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		return fmt.Errorf("cannot unmarshal into %T", v)
	}
	return nil
}

// marshal encodes v into data. The concrete type of v must be a []byte or
// string (or a pointer to these); otherwise it must implement either the
// encoding.BinaryMarshaler interface or the encoding.TextMarshaler
// interface. If v implements both, BinaryMarshaler is preferred.
//
// As a special case if v is a nil pointer to a string or []byte, the result is
// nil without error.
func marshal(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case *[]byte:
		if t == nil {
			return nil, nil
		}
		return *t, nil
	case string:
		return []byte(t), nil
	case *string:
		if t == nil {
			return nil, nil
		}
		return []byte(*t), nil
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		return t.MarshalText()
	default:
		return nil, fmt.Errorf("cannot marshal %T", v)
	}
}
