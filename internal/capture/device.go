package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// ErrDeviceUnavailable marks microphone acquisition failures: no device,
// permission denied, or the capture tool missing. Terminal for the attempt;
// the user retries explicitly.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// DeviceConfig describes how the microphone should be captured.
type DeviceConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// Device is a live microphone stream of s16le PCM.
type Device interface {
	io.Reader
	Stop() error
}

// DeviceOpener acquires a microphone device. Implementations block until the
// device is producing audio or acquisition has failed.
type DeviceOpener interface {
	Open(ctx context.Context, cfg DeviceConfig) (Device, error)
}

// FFMPEGOpener captures the microphone through an ffmpeg subprocess emitting
// raw s16le. Echo cancellation, noise suppression, and gain control live in
// the platform audio source where supported.
type FFMPEGOpener struct {
	command string
}

// NewFFMPEGOpener builds an opener using the given ffmpeg binary (defaults to
// "ffmpeg" from PATH).
func NewFFMPEGOpener(command string) *FFMPEGOpener {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFMPEGOpener{command: command}
}

func (o *FFMPEGOpener) Open(ctx context.Context, cfg DeviceConfig) (Device, error) {
	if _, err := exec.LookPath(o.command); err != nil {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrDeviceUnavailable, o.command)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.InputFormat == "" {
		cfg.InputFormat = defaultInputFormat(runtime.GOOS)
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = defaultInputDevice(runtime.GOOS)
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Channels),
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, o.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// An immediate exit means the device could not be opened (missing mic,
	// denied permission). Give ffmpeg a moment to fail fast.
	select {
	case err := <-waitErr:
		detail := bytes.TrimSpace(stderr.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %s", ErrDeviceUnavailable, err, detail)
		}
		return nil, fmt.Errorf("%w: capture process exited: %s", ErrDeviceUnavailable, detail)
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegDevice{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

func defaultInputFormat(goos string) string {
	switch goos {
	case "darwin":
		return "avfoundation"
	default:
		return "pulse"
	}
}

func defaultInputDevice(goos string) string {
	switch goos {
	case "darwin":
		return ":0"
	default:
		return "default"
	}
}

type ffmpegDevice struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (d *ffmpegDevice) Read(p []byte) (int, error) { return d.stdout.Read(p) }

// Stop releases the device. Safe to call multiple times.
func (d *ffmpegDevice) Stop() error {
	d.stopOnce.Do(func() {
		if d.process != nil {
			_ = d.process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-d.waitErr:
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		case <-time.After(1200 * time.Millisecond):
			if d.process != nil {
				_ = d.process.Kill()
			}
			err, ok := <-d.waitErr
			if ok {
				d.stopErr = normalizeStopErr(err)
			}
		}
		if closeErr := d.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if d.stopErr == nil {
				d.stopErr = closeErr
			}
		}
	})
	return d.stopErr
}

func normalizeStopErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// interrupt-driven exit is the normal stop path
		return nil
	}
	return err
}
