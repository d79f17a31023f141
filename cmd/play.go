package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"arenasync/client"
	"arenasync/sim"
	"arenasync/stepper"
)

var (
	playRoom     string
	playPlayer   string
	playPress    string
	playDuration time.Duration
)

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Run a headless predicting client",
	RunE:  runPlay,
}

func init() {
	playCmd.Flags().StringVar(&playRoom, "room", "", "room id, overrides client.room")
	playCmd.Flags().StringVar(&playPlayer, "player", "", "player id, overrides client.player")
	playCmd.Flags().StringVar(&playPress, "press", "", "direction held after init: up/down/left/right")
	playCmd.Flags().DurationVar(&playDuration, "duration", 0, "stop after this long (0 = until interrupted)")
}

func runPlay(cmd *cobra.Command, args []string) error {
	room, player := cfg.Client.Room, cfg.Client.Player
	if playRoom != "" {
		room = playRoom
	}
	if playPlayer != "" {
		player = playPlayer
	}
	stepCfg, err := cfg.StepperConfig()
	if err != nil {
		return err
	}

	s, err := client.New(client.Config{
		Player:      player,
		Stepper:     stepCfg,
		Syncer:      cfg.SyncerConfig(),
		VisibleArea: cfg.VisibleArea(),
	}, sim.NewEngine(cfg.EngineConfig()), client.WithLogger(log))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if playDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, playDuration)
		defer cancel()
	}

	conn, err := client.Dial(ctx, cfg.Client.URL, room, s)
	if err != nil {
		return err
	}
	defer conn.Close()

	runErr := make(chan error, 1)
	go func() {
		if stepCfg.Drive == stepper.DriveFrame {
			runErr <- s.RunFrames(ctx, frameSignal(ctx, stepCfg.TimeStep))
			return
		}
		runErr <- s.Run(ctx)
	}()

	st, err := s.WaitForSeed(ctx, cfg.Server.Seed, cfg.Client.WaitTimeout, cfg.Client.WaitPoll)
	if err != nil {
		return err
	}
	log.Info("synced", zap.String("seed", st.Seed), zap.Uint64("millis", st.Millis))
	if dir := sim.ParseDirection(playPress); dir != sim.DirNone {
		if err := s.Press(dir); err != nil {
			return err
		}
	}

	report := time.NewTicker(time.Second)
	defer report.Stop()
	for {
		select {
		case err := <-runErr:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		case <-conn.Done():
			return errors.Wrap(conn.Err(), "connection closed")
		case <-report.C:
			logObserved(s)
		}
	}
}

func logObserved(s *client.Session) {
	st := s.Observe()
	if st == nil {
		return
	}
	fields := []zap.Field{
		zap.Uint64("millis", st.Millis),
		zap.String("status", s.Status().String()),
		zap.Int("ships", len(st.Ships)),
		zap.Int("crates", len(st.Crates)),
	}
	if p, ok := st.Players[s.Player()]; ok {
		if ship, ok := st.Ships[p.ShipID]; ok {
			fields = append(fields, zap.Float64("x", ship.X), zap.Float64("y", ship.Y), zap.Int("score", p.Score))
		}
	}
	log.Info("observed", fields...)
	for _, v := range s.FlushViolations() {
		log.Warn("violation", zap.String("kind", string(v.Kind)), zap.String("event", v.Event.String()), zap.String("detail", v.Message))
	}
	s.FlushLog()
}

// frameSignal 无显示设备时用定时器模拟刷新信号
func frameSignal(ctx context.Context, every time.Duration) <-chan time.Time {
	out := make(chan time.Time)
	go func() {
		defer close(out)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ts := <-t.C:
				select {
				case out <- ts:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
