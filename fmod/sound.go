package fmod

import (
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/registry"
)

// Sound is a loaded or streamed sound.
type Sound struct {
	object

	// guarded by object.mu
	syncPoints []*SyncPoint
}

// Release frees the sound. Channels playing it end on the next update. The
// engine frees the sound's sync points with it, so their wrappers leave the
// registry first.
func (s *Sound) Release() error {
	if err := s.sys.reg.RemoveWrapper(s.h, s); err != nil {
		return err
	}
	s.mu.Lock()
	points := s.syncPoints
	s.syncPoints = nil
	s.mu.Unlock()
	for _, sp := range points {
		if s.sys.reg.Contains(sp.h) {
			_ = s.sys.reg.RemoveWrapper(sp.h, sp)
		}
	}
	return errors.FromResult(s.sys.engine.ReleaseSound(s.h.Ptr), "release sound")
}

// AddSyncPoint adds a named sync point at offsetMS. Channels playing the
// sound report it through their sync point callback.
func (s *Sound) AddSyncPoint(offsetMS uint32, name string) (*SyncPoint, error) {
	p, r := s.sys.engine.AddSyncPoint(s.h.Ptr, offsetMS, name)
	if err := errors.FromResult(r, "add sync point "+name); err != nil {
		return nil, err
	}
	h := handle.New(handle.KindSyncPoint, p)
	sp, err := registry.GetOrInsertAs(s.sys.reg, h, func() (*SyncPoint, error) {
		return &SyncPoint{object: object{sys: s.sys, h: h}, Name: name, OffsetMS: offsetMS}, nil
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.syncPoints = append(s.syncPoints, sp)
	s.mu.Unlock()
	return sp, nil
}

// SyncPoints returns the sync points added through AddSyncPoint.
func (s *Sound) SyncPoints() []*SyncPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SyncPoint, len(s.syncPoints))
	copy(out, s.syncPoints)
	return out
}

// SetSoundGroup moves the sound into g, or out of any group when g is nil.
func (s *Sound) SetSoundGroup(g *SoundGroup) error {
	var gp uintptr
	if g != nil {
		gp = g.h.Ptr
	}
	return errors.FromResult(s.sys.engine.SetSoundGroup(s.h.Ptr, gp), "set sound group")
}

// SyncPoint is a marker inside a sound. The engine gives no liveness signal
// for sync points; they leave the registry with their sound or the system.
type SyncPoint struct {
	object
	Name     string
	OffsetMS uint32
}

// SoundGroup groups sounds for shared limits and volume.
type SoundGroup struct {
	object
}

// Release frees the group. Member sounds stay alive.
func (g *SoundGroup) Release() error {
	return g.release(g, "release sound group", g.sys.engine.ReleaseSoundGroup)
}

// DSP is a digital signal processing unit.
type DSP struct {
	object
}

// Release frees the unit.
func (d *DSP) Release() error {
	return d.release(d, "release dsp", d.sys.engine.ReleaseDSP)
}
