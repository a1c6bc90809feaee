// Package fmod exposes native engine objects as Go wrappers.
//
// A System ties together one native engine, one handle registry and a
// callback bridge. Every wrapper is obtained through the registry, so the
// same native object always yields the same wrapper:
//
//	sys, err := fmod.NewSystem(ctx, engine)
//	snd, err := sys.CreateSound("click.wav", 250, native.ModeDefault)
//	ch, err := sys.PlaySound(snd, nil, false)
//
//	cur, _ := ch.CurrentSound() // cur == snd
//
// # Callbacks
//
// Engine callbacks arrive on engine threads. Their trampolines hand the work
// to the bridge and block until the handler has run on the bridge thread
// with the host lock held. Handler errors, and panics, are reported back to
// the engine as result codes (see errors.ToResult).
//
// System.Update runs the engine update on the bridge thread too, so end and
// event callbacks fired by the update execute in place, followed by a
// registry sweep that evicts objects the engine destroyed on its own.
//
// # Releasing
//
// Release methods remove the wrapper from the registry before releasing the
// native object. Event instances are released lazily by the engine; their
// wrapper leaves the registry when the engine reports the instance destroyed.
package fmod
