package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mastercactapus/gcstream/machine/grbl"
	"github.com/mastercactapus/gcstream/stream"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch the controller and send commands typed on stdin",
	Long: `Monitor prints state changes and controller messages. Each line typed on
stdin is sent as a single command, e.g. $X, $H or G0 X10.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	events, unsubscribe := s.m.Subscribe(256)
	defer unsubscribe()

	input := make(chan string)
	go func() {
		scan := bufio.NewScanner(os.Stdin)
		for scan.Scan() {
			select {
			case input <- strings.TrimSpace(scan.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return s.closedErr()
		case line := <-input:
			if line == "" {
				continue
			}
			if err := s.m.Command(line); err != nil {
				s.log.Error().Err(err).Str("command", line).Msg("send")
			}
		case e := <-events:
			switch e := e.(type) {
			case grbl.MachineStateChanged:
				st := s.m.CurrentState()
				fmt.Printf("%-8s MPos:%s\n", e.To, st.MPos)
			case grbl.Message:
				fmt.Println(e.Text)
			case grbl.ProbeCompleted:
				fmt.Printf("PRB:%s:%t\n", e.Result.Point, e.Result.Valid)
			case stream.CommandError:
				fmt.Printf("%s: %s\n", e.Command, e.Message)
			case stream.JobCompleted:
				if e.Success {
					fmt.Println("ok")
				}
			}
		}
	}
}
