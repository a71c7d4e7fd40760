package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mastercactapus/gcstream/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr string
	dataDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an HTTP API for the controller",
	Long: `Serve connects to the controller and exposes it over HTTP:

  POST /api/run       run the body (or ?file=name from the data dir);
                      ?from=N resumes at line N, &mode=restart replays setup only
  POST /api/pause     feed hold
  POST /api/resume    cycle start
  POST /api/stop      stop the job (feed hold, soft reset)
  POST /api/command   run one line, e.g. $X
  POST /api/probe     z-probe (feedRate, maxZTravel, zeroZAxis, offset)
  GET  /api/status    sender and machine state
  /data/              G-code files (GET, PUT, DELETE)
  /events/state       server-sent status reports
  /events/job         server-sent job events
  /metrics            Prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Address to bind the HTTP server to (default from config)")
	serveCmd.Flags().StringVar(&dataDir, "dir", "./data", "Data directory to use")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg, s.m.Sender())

	a := newAPI(s.m, dataDir, reg, s.log)

	addr := listenAddr
	if addr == "" {
		addr = s.cfg.Listen
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := s.m.Subscribe(1024)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-s.done:
				return s.closedErr()
			case e := <-events:
				met.Observe(e)
				a.publish(e)
			}
		}
	})
	g.Go(func() error {
		s.log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.m.Sender().State().Active() {
			s.log.Warn().Msg("shutting down, stopping job")
			if err := s.m.Stop(stopCtx); err != nil {
				s.log.Error().Err(err).Msg("stop")
			}
		}
		a.Close()
		return srv.Shutdown(stopCtx)
	})
	return g.Wait()
}
