package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// FFPlayPlayer sounds PCM16 mono frames through an ffplay subprocess. Play
// paces itself by the frame's duration so the processor's FIFO discipline
// maps onto real time; cancellation kills the subprocess so buffered audio
// stops immediately instead of draining.
type FFPlayPlayer struct {
	sampleRate int

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewFFPlayPlayer verifies ffplay is available and prepares a player for the
// given sample rate.
func NewFFPlayPlayer(sampleRate int) (*FFPlayPlayer, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for audio playback (install ffmpeg and ensure it is in PATH)")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return &FFPlayPlayer{sampleRate: sampleRate}, nil
}

func (p *FFPlayPlayer) startLocked() error {
	p.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", p.sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	p.cmd.Stdout = io.Discard
	p.cmd.Stderr = io.Discard
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.stdin = stdin
	return nil
}

func (p *FFPlayPlayer) killLocked() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.cmd = nil
	p.stdin = nil
}

// Play writes the frame and blocks for its wall-clock duration or until ctx
// is cancelled. On cancellation the subprocess is killed so queued device
// audio dies with it.
func (p *FFPlayPlayer) Play(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	if p.stdin == nil {
		if err := p.startLocked(); err != nil {
			p.mu.Unlock()
			return err
		}
	}
	_, err := p.stdin.Write(pcm)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write pcm to ffplay: %w", err)
	}

	dur := time.Duration(len(pcm)/2) * time.Second / time.Duration(p.sampleRate)
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.killLocked()
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Close releases the subprocess. Safe to call repeatedly.
func (p *FFPlayPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return nil
}
