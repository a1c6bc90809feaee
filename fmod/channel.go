package fmod

import (
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
)

// ChannelControl is the wrapper shared by channels and channel groups. The
// engine uses one representation for both, so the sub-kind recorded at wrap
// time is checked on every narrowing.
type ChannelControl struct {
	object
	kind handle.ControlKind

	cbs ChannelControlCallbacks
}

// Kind reports whether the wrapper denotes a channel or a channel group.
func (c *ChannelControl) Kind() handle.ControlKind { return c.kind }

// Control returns the handle together with its sub-kind.
func (c *ChannelControl) Control() handle.Control {
	return handle.Control{Handle: c.h, Kind: c.kind}
}

// AsChannel narrows c to a channel, failing with a sub_kind_mismatch error
// for a channel group.
func (c *ChannelControl) AsChannel() (Channel, error) {
	if _, err := c.Control().Channel(); err != nil {
		return Channel{}, err
	}
	return Channel{c}, nil
}

// AsChannelGroup narrows c to a channel group.
func (c *ChannelControl) AsChannelGroup() (ChannelGroup, error) {
	if _, err := c.Control().ChannelGroup(); err != nil {
		return ChannelGroup{}, err
	}
	return ChannelGroup{c}, nil
}

// SetCallbacks installs callbacks for this channel or group. Handlers run on
// the bridge thread. A zero ChannelControlCallbacks removes them.
func (c *ChannelControl) SetCallbacks(cbs ChannelControlCallbacks) error {
	c.mu.Lock()
	c.cbs = cbs
	c.mu.Unlock()

	cb := c.sys.controlTrampoline()
	if cbs.empty() {
		cb = nil
	}
	return errors.FromResult(c.sys.engine.SetChannelControlCallback(c.Control(), cb), "set channel control callback")
}

func (c *ChannelControl) callbacks() ChannelControlCallbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cbs
}

// Parent returns the group c belongs to. The master group has no parent and
// returns a zero ChannelGroup.
func (c *ChannelControl) Parent() (ChannelGroup, error) {
	p, r := c.sys.engine.ChannelGroupOf(c.h.Ptr)
	if err := errors.FromResult(r, "channel group of "+c.h.String()); err != nil {
		return ChannelGroup{}, err
	}
	if p == 0 {
		return ChannelGroup{}, nil
	}
	return c.sys.channelGroup(p)
}

// Channel is a playing voice.
type Channel struct {
	*ChannelControl
}

// IsPlaying reports whether the channel is still playing.
func (ch Channel) IsPlaying() (bool, error) {
	playing, r := ch.sys.engine.ChannelIsPlaying(ch.h.Ptr)
	return playing, errors.FromResult(r, "channel is playing")
}

// Stop stops the channel. The end callback fires on the next update, after
// which the engine destroys the channel.
func (ch Channel) Stop() error {
	return errors.FromResult(ch.sys.engine.ChannelStop(ch.h.Ptr), "channel stop")
}

// SetPaused pauses or resumes the channel.
func (ch Channel) SetPaused(paused bool) error {
	return errors.FromResult(ch.sys.engine.ChannelSetPaused(ch.h.Ptr, paused), "channel set paused")
}

// SetDistance sets the listener distance fed to the rolloff callback.
func (ch Channel) SetDistance(distance float32) error {
	return errors.FromResult(ch.sys.engine.ChannelSetDistance(ch.h.Ptr, distance), "channel set distance")
}

// Audibility returns the channel's current gain.
func (ch Channel) Audibility() (float32, error) {
	g, r := ch.sys.engine.ChannelAudibility(ch.h.Ptr)
	return g, errors.FromResult(r, "channel audibility")
}

// CurrentSound returns the sound the channel plays, the same wrapper that
// created it.
func (ch Channel) CurrentSound() (*Sound, error) {
	p, r := ch.sys.engine.ChannelCurrentSound(ch.h.Ptr)
	if err := errors.FromResult(r, "channel current sound"); err != nil {
		return nil, err
	}
	if p == 0 {
		return nil, errors.NotFound(errors.PhaseEngine, ch.h.String()+" sound")
	}
	return ch.sys.sound(p)
}

// ChannelGroup mixes a set of channels.
type ChannelGroup struct {
	*ChannelControl
}

// Release frees the group; its channels move to the master group.
func (g ChannelGroup) Release() error {
	return g.release(g.ChannelControl, "release channel group", g.sys.engine.ReleaseChannelGroup)
}
