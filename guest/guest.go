// Package guest runs engine callbacks inside a WebAssembly module.
//
// A guest instance has a single owner: wazero module instances are not safe
// for concurrent calls. Runtime therefore guards every call with the host
// execution lock. Calls made from the bridge thread already hold that lock
// and run directly; calls from anywhere else acquire it first.
//
// The adapters Rolloff and ChannelCallbacks turn guest exports into fmod
// callbacks:
//
//	g, err := guest.New(ctx, sys.Bridge().Lock(), wasm)
//	rolloff, err := g.Rolloff(guest.ExportRolloff)
//	err = sys.SetRolloffCallback(rolloff)
package guest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/fmod"
	"github.com/wippyai/fmod-bridge/host"
)

// Default export names.
const (
	ExportRolloff = "rolloff" // (f32) -> f32
	ExportOnEnd   = "on_end"  // (i64) -> ()
)

// Runtime is an instantiated guest module.
type Runtime struct {
	runtime wazero.Runtime
	module  api.Module
	lock    host.Lock
	log     *zap.Logger

	funcCache map[string]api.Function
	cacheMu   sync.RWMutex

	calls  atomic.Uint64
	traps  atomic.Uint64
	closed atomic.Bool
}

// Option configures a Runtime.
type Option func(*options)

type options struct {
	log              *zap.Logger
	name             string
	memoryLimitPages uint32
}

// WithLogger sets the logger used by the runtime.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithName names the guest module instance.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the wazero
// default.
func WithMemoryLimitPages(pages uint32) Option {
	return func(o *options) {
		o.memoryLimitPages = pages
	}
}

// New compiles and instantiates wasm. Every later call is serialized by lock,
// which must be the lock of the bridge the callbacks run on.
func New(ctx context.Context, lock host.Lock, wasm []byte, opts ...Option) (*Runtime, error) {
	if lock == nil {
		return nil, errors.NotInitialized(errors.PhaseGuest, "host lock")
	}
	o := options{name: "guest"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = Logger()
	}

	cfg := wazero.NewRuntimeConfig()
	if o.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(o.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseGuest, errors.KindInvalidInput, err, "compile failed")
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(o.name))
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseGuest, errors.KindInvalidInput, err, "instantiate failed")
	}

	r := &Runtime{
		runtime:   rt,
		module:    mod,
		lock:      lock,
		log:       o.log.With(zap.String("guest", o.name)),
		funcCache: make(map[string]api.Function),
	}
	r.log.Debug("guest instantiated", zap.Int("exports", len(mod.ExportedFunctionDefinitions())))
	return r, nil
}

// Lock returns the lock guarding the guest instance.
func (r *Runtime) Lock() host.Lock { return r.lock }

// Has reports whether the guest exports a function called name.
func (r *Runtime) Has(name string) bool {
	return r.module.ExportedFunction(name) != nil
}

func (r *Runtime) function(name string) (api.Function, error) {
	r.cacheMu.RLock()
	fn, ok := r.funcCache[name]
	r.cacheMu.RUnlock()
	if ok {
		return fn, nil
	}

	fn = r.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.New(errors.PhaseGuest, errors.KindNotFound).
			Detail("function %q not exported", name).
			Build()
	}
	r.cacheMu.Lock()
	r.funcCache[name] = fn
	r.cacheMu.Unlock()
	return fn, nil
}

// Expect checks that export name has the given signature.
func (r *Runtime) Expect(name string, params, results []api.ValueType) error {
	fn, err := r.function(name)
	if err != nil {
		return err
	}
	def := fn.Definition()
	if !sameTypes(def.ParamTypes(), params) || !sameTypes(def.ResultTypes(), results) {
		return errors.New(errors.PhaseGuest, errors.KindTypeMismatch).
			Detail("%s: want %s, got %s", name, signature(params, results), signature(def.ParamTypes(), def.ResultTypes())).
			Build()
	}
	return nil
}

// Call invokes export name with raw wasm values while holding the host lock.
// A ctx already marked as holding the lock, such as the context handed to a
// bridge callback, runs the call directly.
func (r *Runtime) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if r.closed.Load() {
		return nil, errors.Closed(errors.PhaseGuest)
	}
	fn, err := r.function(name)
	if err != nil {
		return nil, err
	}

	var out []uint64
	err = host.Do(ctx, r.lock, func(ctx context.Context) error {
		r.calls.Add(1)
		res, err := fn.Call(ctx, params...)
		if err != nil {
			r.traps.Add(1)
			return errors.Wrap(errors.PhaseGuest, errors.KindPanic, err, name+" trapped")
		}
		out = res
		return nil
	})
	return out, err
}

// Stats reports how many guest calls ran and how many trapped.
func (r *Runtime) Stats() (calls, traps uint64) {
	return r.calls.Load(), r.traps.Load()
}

// Close tears down the instance and the wazero runtime.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.runtime.Close(ctx)
}

// Rolloff adapts an export of type (f32) -> f32 into a rolloff callback. The
// export receives the distance and returns the gain.
func (r *Runtime) Rolloff(export string) (fmod.RolloffCallback, error) {
	if err := r.Expect(export, []api.ValueType{api.ValueTypeF32}, []api.ValueType{api.ValueTypeF32}); err != nil {
		return nil, err
	}
	return func(ctx context.Context, _ fmod.Channel, distance float32) (float32, error) {
		res, err := r.Call(ctx, export, api.EncodeF32(distance))
		if err != nil {
			return 0, err
		}
		return api.DecodeF32(res[0]), nil
	}, nil
}

// ChannelCallbacks adapts an export of type (i64) -> () into an end
// callback. The export receives the native channel pointer.
func (r *Runtime) ChannelCallbacks(onEnd string) (fmod.ChannelControlCallbacks, error) {
	if err := r.Expect(onEnd, []api.ValueType{api.ValueTypeI64}, nil); err != nil {
		return fmod.ChannelControlCallbacks{}, err
	}
	return fmod.ChannelControlCallbacks{
		End: func(ctx context.Context, c *fmod.ChannelControl) error {
			_, err := r.Call(ctx, onEnd, api.EncodeI64(int64(c.Handle().Ptr)))
			return err
		},
	}, nil
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func signature(params, results []api.ValueType) string {
	return fmt.Sprintf("(%s) -> (%s)", typeNames(params), typeNames(results))
}

func typeNames(ts []api.ValueType) string {
	s := ""
	for i, t := range ts {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s
}
