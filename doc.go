// Package fmodbridge binds a native audio engine whose callbacks arrive on
// arbitrary engine threads to a host that allows only one thread of host code
// at a time.
//
// # Architecture Overview
//
// The module is organized into several packages with distinct responsibilities:
//
//	fmodbridge/
//	├── mailbox/         MPSC queue of invocations with a close sentinel
//	├── host/            Host execution lock and held-lock context marking
//	├── bridge/          Bridge thread and the synchronous Call protocol
//	├── handle/          Typed native handles and channel-control sub-kinds
//	├── registry/        Handle to wrapper registry with liveness sweeps
//	├── native/          Engine surface the bindings are written against
//	│   └── sim/         In-process engine with mixer and decode threads
//	├── fmod/            Wrappers: System, Sound, Channel, EventInstance, ...
//	├── guest/           WebAssembly callback handlers on wazero
//	├── config/          YAML configuration for fmodsim
//	├── errors/          Structured errors and engine result codes
//	└── cmd/fmodsim/     Simulator CLI with a terminal monitor
//
// # Threads
//
// The engine fires callbacks from its mixer, decode and update threads.
// Every trampoline forwards the callback through bridge.Call to the single
// bridge thread, which holds the host lock while it drains the mailbox. The
// caller blocks until the handler returns, so result codes and out values
// such as occlusion levels flow back to the engine. A callback that fires on
// the bridge thread itself, for example during System.Update, runs in place.
//
// # Identity
//
// Each System owns a registry mapping native handles to wrappers. Wrapping
// the same handle twice yields the same wrapper, so user data attached to a
// Sound survives a round trip through the engine. Wrappers leave the
// registry when released, when the engine reports them destroyed, or when a
// sweep after each update finds their native object gone.
//
// # Quick Start
//
//	eng, err := sim.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sys, err := fmod.NewSystem(ctx, eng)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sys.Release(ctx)
//
//	snd, _ := sys.CreateSound("step.wav", 250, native.ModeDefault)
//	ch, _ := sys.PlaySound(snd, nil, false)
//	ch.SetCallbacks(fmod.ChannelControlCallbacks{
//	    End: func(ctx context.Context, c *fmod.ChannelControl) error {
//	        fmt.Println("ended", c.Handle())
//	        return nil
//	    },
//	})
//
//	for {
//	    sys.Update(ctx)
//	}
package fmodbridge
