package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/gcstream/gcode"
	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/spf13/cobra"
)

var (
	fromLine    int
	restartMode bool
	stopTimeout time.Duration
)

var streamCmd = &cobra.Command{
	Use:   "stream <file>",
	Short: "Stream a G-code program to the controller",
	Long: `Stream a G-code program to the controller and wait for it to finish.

With --from-line N the program resumes at line N (0-based): the modal state
of the preceding lines is restored, and the tool retracts to the safe height
and moves to the last position before continuing. With --restart only the
program's setup lines are replayed and no move is made.

Interrupt (Ctrl-C) stops the job with a feed hold and a soft reset.
Interrupt again to exit immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	streamCmd.Flags().IntVar(&fromLine, "from-line", 0, "Resume at this program line (0-based)")
	streamCmd.Flags().BoolVar(&restartMode, "restart", false, "With --from-line, replay setup lines only instead of repositioning")
	streamCmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "Time allowed for the stop sequence")
	rootCmd.AddCommand(streamCmd)
}

func readProgram(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lines, err := gcode.ReadLines(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return lines, nil
}

func runStream(cmd *cobra.Command, args []string) error {
	lines, err := readProgram(args[0])
	if err != nil {
		return err
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	s, err := openSession(connCtx, cmd)
	if err != nil {
		cancelConn()
		return err
	}
	defer func() {
		cancelConn()
		<-s.done
	}()

	events, unsubscribe := s.m.Subscribe(1024)
	defer unsubscribe()

	if err := s.waitReady(cmd.Context(), 5*time.Second); err != nil {
		return err
	}
	if grbl.BaseState(s.m.Tracker().State()) == "Alarm" {
		return errors.New("controller is in alarm state, unlock ($X) or home ($H) first")
	}

	switch {
	case fromLine > 0 && restartMode:
		err = s.m.Restart(lines, fromLine)
	case fromLine > 0:
		err = s.m.ResumeFrom(lines, fromLine)
	default:
		err = s.m.Stream(lines)
	}
	if err != nil {
		return err
	}
	s.log.Info().Str("file", args[0]).Int("lines", len(lines)).Int("from", fromLine).Msg("job started")

	sigCtx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	interrupt := sigCtx.Done()

	for {
		select {
		case <-interrupt:
			interrupt = nil
			stopSignals()
			s.log.Warn().Msg("interrupted, stopping job")
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
				defer cancel()
				if err := s.m.Stop(ctx); err != nil {
					s.log.Error().Err(err).Msg("stop")
				}
			}()

		case <-s.done:
			return s.closedErr()

		case e := <-events:
			switch e := e.(type) {
			case stream.LineCompleted:
				s.log.Debug().Int("line", e.Index).Msg("line completed")
			case stream.ProgressUpdated:
				s.log.Info().
					Str("progress", fmt.Sprintf("%.1f%%", e.Stats.Progress())).
					Int("completed", e.Stats.Completed).
					Int("total", e.Stats.Total).
					Dur("remaining", e.Stats.Remaining(time.Now()).Round(time.Second)).
					Msg("progress")
			case stream.CommandError:
				s.log.Error().Int("code", e.Code).Bool("alarm", e.Alarm).Str("command", e.Command).Msg(e.Message)
			case stream.RehomeRequired:
				s.log.Warn().Int("alarm", e.Code).Msg("controller locked, unlock ($X) or home ($H) before the next job")
			case grbl.MachineStateChanged:
				s.log.Debug().Str("from", e.From).Str("to", e.To).Msg("machine state")
			case stream.JobCompleted:
				elapsed := e.Stats.Elapsed(time.Now()).Round(time.Millisecond)
				if e.Success {
					s.log.Info().Int("lines", e.Stats.Completed).Dur("elapsed", elapsed).Msg("job completed")
					return nil
				}
				s.log.Error().Str("reason", e.Reason).Int("completed", e.Stats.Completed).Int("total", e.Stats.Total).Msg("job failed")
				if e.Err != nil {
					return fmt.Errorf("job %s: %w", e.Reason, e.Err)
				}
				return errors.New("job " + e.Reason)
			}
		}
	}
}
