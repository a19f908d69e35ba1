package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/mediaforge/playlock/internal"
	"github.com/mediaforge/playlock/poller"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to the agent TOML config",
	Value:   "playlock-agent.toml",
}

func loadConfigFromCmd(cmd *cli.Command) (*Config, error) {
	path := cmd.String("config")
	config := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		loaded, err := LoadConfig(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	if u := cmd.String("user"); u != "" {
		config.Device.UserID = u
	}
	if cl := cmd.String("class"); cl != "" {
		config.Device.Class = cl
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func newPoller(config *Config) *poller.Poller {
	class, _ := internal.ParseDeviceClass(config.Device.Class)
	client := poller.NewHTTPClient(config.Coordinator.URL, config.Device.UserID, class, config.Device.Token)
	return poller.New(poller.Config{
		Client:       client,
		DeviceClass:  class,
		PollInterval: time.Duration(config.Poll.IntervalSecs) * time.Second,
		BeatInterval: time.Duration(config.Poll.BeatSecs) * time.Second,
		Hooks: poller.Hooks{
			StopPlayback: func(reason string) {
				logger.Warn().Str("reason", reason).Msg("playback stopped")
			},
			Notice: func(msg string) {
				logger.Info().Msg(msg)
			},
		},
	})
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	config, err := loadConfigFromCmd(cmd)
	if err != nil {
		return err
	}
	p := newPoller(config)
	resume, err := p.Play(ctx)
	if err != nil {
		return fmt.Errorf("playback refused: %w", err)
	}
	if snap, _ := internal.DecodeSnapshot(resume); snap != nil {
		logger.Info().Str("media", snap.MediaID).Int64("position_ms", snap.PositionMS).Msg("resuming playback")
	} else {
		logger.Info().Msg("playing from the top")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Stop(stopCtx)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	config, err := loadConfigFromCmd(cmd)
	if err != nil {
		return err
	}
	p := newPoller(config)
	res, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if !res.HasConflict {
		fmt.Println("clear to play")
		return nil
	}
	fmt.Printf("blocked: playback active on %s\n", res.OwnerClass)
	return nil
}

func stopAction(ctx context.Context, cmd *cli.Command) error {
	config, err := loadConfigFromCmd(cmd)
	if err != nil {
		return err
	}
	class, _ := internal.ParseDeviceClass(config.Device.Class)
	client := poller.NewHTTPClient(config.Coordinator.URL, config.Device.UserID, class, config.Device.Token)
	sessionID := cmd.String("session")
	if sessionID == "" {
		return fmt.Errorf("--session is required")
	}
	return client.EndSession(ctx, sessionID, "")
}

func main() {
	identityFlags := []cli.Flag{
		configFlag,
		&cli.StringFlag{
			Name:  "user",
			Usage: "Override device.user_id from the config",
		},
		&cli.StringFlag{
			Name:  "class",
			Usage: "Override device.class from the config (desktop|web)",
		},
	}
	cmd := &cli.Command{
		Name:  "playlock-agent",
		Usage: "Playback session agent for the playlock coordinator",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Acquire the playback session and hold it until interrupted",
				Flags:  identityFlags,
				Action: runAction,
			},
			{
				Name:   "status",
				Usage:  "Ask whether this device may play right now",
				Flags:  identityFlags,
				Action: statusAction,
			},
			{
				Name:  "stop",
				Usage: "End a session by id",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:  "session",
						Usage: "Session id to end",
					},
				}, identityFlags...),
				Action: stopAction,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Fatal().Err(err).Msg("agent failed")
	}
}
