package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FrameDuration is the fixed slice of audio delivered per onFrame call.
const FrameDuration = 20 * time.Millisecond

// Pipeline acquires the microphone and delivers fixed-duration PCM16 frames
// to a callback. While muted it drops frames on the floor — muted audio is
// never buffered for later send, so unmuting cannot release a delayed echo
// burst.
type Pipeline struct {
	opener DeviceOpener
	cfg    DeviceConfig
	log    zerolog.Logger

	mu      sync.Mutex
	device  Device
	cancel  context.CancelFunc
	started bool
	stopped bool
	muted   bool
	done    chan struct{}
}

// NewPipeline builds a capture pipeline for the given device configuration.
func NewPipeline(opener DeviceOpener, cfg DeviceConfig, log zerolog.Logger) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	return &Pipeline{opener: opener, cfg: cfg, log: log}
}

// frameBytes is the byte length of one FrameDuration slice of s16le audio.
func (p *Pipeline) frameBytes() int {
	samples := p.cfg.SampleRate * int(FrameDuration/time.Millisecond) / 1000
	return samples * 2 * p.cfg.Channels
}

// Start acquires the device and begins delivering frames. Device acquisition
// failure is terminal for this attempt (ErrDeviceUnavailable); the caller
// surfaces it with a retry affordance rather than retrying here.
func (p *Pipeline) Start(ctx context.Context, onFrame func(pcm []byte)) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("capture already started")
	}
	p.started = true
	p.mu.Unlock()

	devCtx, cancel := context.WithCancel(context.Background())
	device, err := p.opener.Open(ctx, p.cfg)
	if err != nil {
		cancel()
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.stopped {
		// Stop raced the permission prompt; release the device and bail.
		p.mu.Unlock()
		cancel()
		_ = device.Stop()
		return errors.New("capture stopped before start completed")
	}
	p.device = device
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.readLoop(devCtx, device, onFrame, done)
	return nil
}

// SetMuted toggles frame delivery. Takes effect on the next captured frame.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Muted reports the current mute state.
func (p *Pipeline) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// Stop releases the device. Safe to call multiple times and safe to call
// before Start has finished acquiring the device.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	device := p.device
	cancel := p.cancel
	done := p.done
	p.device = nil
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if device != nil {
		_ = device.Stop()
	}
	if done != nil {
		<-done
	}
}

func (p *Pipeline) readLoop(ctx context.Context, device Device, onFrame func([]byte), done chan struct{}) {
	defer close(done)
	frameLen := p.frameBytes()
	buf := make([]byte, frameLen)
	pending := make([]byte, 0, frameLen*2)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := device.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for len(pending) >= frameLen {
				frame := make([]byte, frameLen)
				copy(frame, pending[:frameLen])
				pending = pending[frameLen:]

				p.mu.Lock()
				muted := p.muted
				p.mu.Unlock()
				if muted {
					continue // dropped, never queued
				}
				onFrame(frame)
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				p.log.Warn().Err(err).Msg("capture read ended")
			}
			return
		}
	}
}
