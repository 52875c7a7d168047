package playback

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Player delivers one PCM16 frame to the audio output. Play blocks until the
// frame finished sounding or ctx was cancelled. One frame sounds at a time.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// Processor buffers incoming AI audio frames and plays them strictly in
// arrival order. Multiple async callbacks (network frames, source-finished,
// cancellation) interleave here, so the drain-loop ownership rules are strict:
//
//   - at most one drain loop runs at a time; isPlaying flips true under the
//     mutex before any asynchronous work begins, so two enqueues can never
//     both observe it false;
//   - RequestCancel never clears isPlaying itself; only the loop does, in a
//     single finalization step, so a new loop cannot start while the old one
//     is tearing down.
type Processor struct {
	player Player
	onIdle func()
	log    zerolog.Logger

	mu              sync.Mutex
	queue           [][]byte
	isPlaying       bool
	cancelRequested bool
	playCancel      context.CancelFunc
}

// New constructs a Processor. onIdle fires each time the loop drains the
// queue without being cancelled; it may be nil.
func New(player Player, onIdle func(), log zerolog.Logger) *Processor {
	return &Processor{player: player, onIdle: onIdle, log: log}
}

// Enqueue appends one frame and starts the drain loop if it is not running.
func (p *Processor) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, pcm)
	if p.isPlaying {
		p.mu.Unlock()
		return
	}
	// Claim the loop before yielding control. This must happen under the
	// same lock that observed isPlaying == false.
	p.isPlaying = true
	p.mu.Unlock()
	go p.drain()
}

// RequestCancel discards all queued frames and interrupts the in-flight
// source. Used for barge-in and for purging audio of a superseded response.
// Discarded frames are gone; real-time audio is never replayed.
func (p *Processor) RequestCancel() {
	p.mu.Lock()
	p.queue = nil
	if p.isPlaying {
		p.cancelRequested = true
	}
	cancel := p.playCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Playing reports whether the drain loop is currently running.
func (p *Processor) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isPlaying
}

func (p *Processor) drain() {
	for {
		p.mu.Lock()
		if p.cancelRequested || len(p.queue) == 0 {
			cancelled := p.cancelRequested
			// Single finalization step: clear both flags together. Frames
			// that arrived during teardown re-trigger the loop here instead
			// of waiting for an external caller to notice.
			p.cancelRequested = false
			if len(p.queue) > 0 {
				p.mu.Unlock()
				continue
			}
			p.isPlaying = false
			p.mu.Unlock()
			if !cancelled && p.onIdle != nil {
				p.onIdle()
			}
			return
		}
		frame := p.queue[0]
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.playCancel = cancel
		p.mu.Unlock()

		err := p.player.Play(ctx, frame)

		p.mu.Lock()
		p.playCancel = nil
		p.mu.Unlock()
		cancel()
		if err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("frame playback failed")
		}
	}
}
