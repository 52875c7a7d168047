package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomvasile/memoria/internal/capture"
	"github.com/tomvasile/memoria/internal/config"
	"github.com/tomvasile/memoria/internal/interview"
	"github.com/tomvasile/memoria/internal/playback"
	"github.com/tomvasile/memoria/internal/realtime"
	"github.com/tomvasile/memoria/internal/turn"
)

// sampleRate matches the pcm16 format negotiated with the speech service.
const sampleRate = 24000

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()

	cfg := config.Load()

	player, err := playback.NewFFPlayPlayer(sampleRate)
	if err != nil {
		log.Fatal().Err(err).Msg("audio output unavailable")
	}
	defer player.Close()

	// The idle callback closes over the client declared below; playback can
	// only go idle after Start, by which point the client exists.
	var client *interview.Client
	proc := playback.New(player, func() { client.NotifyPlaybackIdle() }, log)

	client = interview.NewClient(interview.Deps{
		API: interview.NewAPIClient(cfg.ServerURL),
		Dial: func(ctx context.Context, creds realtime.Credentials) (interview.Transport, error) {
			return realtime.Dial(ctx, creds, log)
		},
		NewCapture: func() interview.Capture {
			return capture.NewPipeline(capture.NewFFMPEGOpener(""), capture.DeviceConfig{
				SampleRate:  sampleRate,
				Channels:    1,
				InputDevice: cfg.InputDevice,
			}, log)
		},
		Playback:  proc,
		UserID:    cfg.UserID,
		ChapterID: cfg.ChapterID,
		Grace:     turn.DefaultUnmuteGrace,
		Log:       log,
	})

	if err := client.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("interview failed to start; type 'retry' to try again")
	} else {
		printQuestion(client)
	}

	fmt.Println("commands: end | retry | status | quit")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		switch strings.TrimSpace(sc.Text()) {
		case "end":
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			err := client.End(ctx)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("end interview")
				continue
			}
			fmt.Println("interview ended, chapter compiled")
			return
		case "retry":
			if err := client.Retry(context.Background()); err != nil {
				log.Error().Err(err).Msg("retry")
				continue
			}
			printQuestion(client)
		case "status":
			fmt.Printf("state: %s\n", client.State())
			if err := client.Err(); err != nil {
				fmt.Printf("last error: %v\n", err)
			}
			printQuestion(client)
		case "quit":
			if client.State() == interview.StateActive {
				ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
				if err := client.End(ctx); err != nil {
					log.Error().Err(err).Msg("end interview")
				}
				cancel()
			}
			return
		}
	}
}

func printQuestion(c *interview.Client) {
	if q, ok := c.CurrentQuestion(); ok {
		fmt.Printf("current question: %s\n", q.Prompt)
	}
}
