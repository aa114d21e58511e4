// Package engine exposes the native tokenization objects as Go types.
//
// Every public operation follows the same path: validate arguments, stage inputs in unmanaged
// memory, call the native function under the object's handle, convert a failure status into a
// typed error through the library's error channel, copy native outputs into Go memory and
// release them. Staged inputs are released on every exit path.
package engine

import (
	"unsafe"

	"github.com/go-logr/logr"

	"github.com/born-ml/tokbridge/internal/handle"
	"github.com/born-ml/tokbridge/internal/interop"
)

type options struct {
	api        interop.API
	logger     logr.Logger
	pattern    string
	hasPattern bool
}

// Option configures an engine object.
type Option func(*options)

// WithAPI selects the ABI implementation. Without it, interop.Current is used.
func WithAPI(api interop.API) Option {
	return func(o *options) {
		o.api = api
	}
}

// WithLogger sets the logger for the object and its handle.
func WithLogger(logger logr.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPattern sets the BPE pre-tokenization pattern. Other objects ignore it.
func WithPattern(pattern string) Option {
	return func(o *options) {
		o.pattern = pattern
		o.hasPattern = true
	}
}

func newOptions(opts []Option) (options, error) {
	o := options{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.api == nil {
		api, err := interop.Current()
		if err != nil {
			return o, err
		}
		o.api = api
	}
	return o, nil
}

// object is the state shared by every engine type.
type object struct {
	api    interop.API
	ch     *interop.ErrorChannel
	h      *handle.Handle
	logger logr.Logger
}

func newObject(kind string, o options, ctor func(out *unsafe.Pointer) interop.Status, free handle.FreeFunc) (object, error) {
	ch := interop.ChannelFor(o.api)
	h, err := handle.Create(kind, ch, ctor, free, handle.WithLogger(o.logger))
	if err != nil {
		return object{}, err
	}
	return object{api: o.api, ch: ch, h: h, logger: o.logger}, nil
}

// Handle returns the underlying handle.
func (b *object) Handle() *handle.Handle { return b.h }

// Close disposes the native object. In-flight operations finish first; later calls fail with
// tokerr.ErrDisposed.
func (b *object) Close() error { return b.h.Close() }
