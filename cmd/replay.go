package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"arenasync/replay"
	"arenasync/replaystore"
	"arenasync/sim"
)

var (
	replayLimit int
	showTick    int64
	showStep    time.Duration
	showSpeed   float64
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Inspect archived replays",
}

var replayListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived replays, newest first",
	RunE:  runReplayList,
}

var replayShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a replay summary, the state at a tick, or play it back",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplayShow,
}

func init() {
	replayCmd.AddCommand(replayListCmd)
	replayCmd.AddCommand(replayShowCmd)
	replayListCmd.Flags().IntVar(&replayLimit, "limit", 20, "number of replays to list")
	replayShowCmd.Flags().Int64Var(&showTick, "tick", -1, "print the state at this tick (microseconds from start)")
	replayShowCmd.Flags().DurationVar(&showStep, "step", 0, "play back, printing one interpolated frame per step")
	replayShowCmd.Flags().Float64Var(&showSpeed, "speed", 1, "playback speed for --step")
}

func openStore() (*replaystore.Store, error) {
	return replaystore.Open(cfg.Replay.DBPath)
}

func runReplayList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(cmd.Context(), replayLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROOM\tNAME\tMARKS\tDURATION\tDIFF\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
			r.ID, r.Room, r.Name, r.Marks,
			time.Duration(r.MaxTimeMs)*time.Millisecond, r.DiffMode,
			r.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runReplayShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	switch {
	case showStep > 0:
		return playBack(cmd, b, enc)
	case showTick >= 0:
		st, err := b.StateAt(uint64(showTick))
		if err != nil {
			return err
		}
		return enc.Encode(st)
	default:
		return enc.Encode(map[string]any{
			"name":              b.Name,
			"diff_mode":         b.DiffMode,
			"keyframe_interval": b.KeyframeInterval,
			"marks":             len(b.MarksTicks),
			"max_time_ms":       b.MaxTimeMs,
			"end_tick":          b.EndTick(),
			"seed":              b.InitialState.Seed,
			"mode":              b.InitialState.Mode,
		})
	}
}

// playBack 以固定步长推进播放器，逐帧输出插值后的状态摘要
func playBack(cmd *cobra.Command, b *replay.Bundle, enc *json.Encoder) error {
	c, err := replay.NewController(b)
	if err != nil {
		return err
	}
	if err := c.SetSpeed(showSpeed); err != nil {
		return err
	}
	engine := sim.NewEngine(cfg.EngineConfig())
	c.Play()
	for {
		st, err := c.Frame(engine)
		if err != nil {
			return err
		}
		if err := enc.Encode(map[string]any{
			"tick":   c.Position(),
			"millis": st.Millis,
			"ships":  len(st.Ships),
			"crates": len(st.Crates),
		}); err != nil {
			return err
		}
		if c.Ended() {
			return nil
		}
		c.Advance(showStep)
	}
}
