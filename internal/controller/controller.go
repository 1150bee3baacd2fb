// Package controller implements the request dispatcher (C5): a
// line-oriented text control protocol, one goroutine per accepted
// connection, verb dispatch against the Worker and its configuration
// mirror.
//
// The accept-loop-plus-bufio.Reader-per-connection shape is grounded
// on modules/route/internal/discovery/bird/export.go's socket readers
// (net.Dial + bufio.NewReader(c) feeding a line/record parser),
// generalized here from a single long-lived outbound client connection
// to a net.Listener Accept loop serving arbitrarily many inbound
// clients. The retry-against-quiescing-states loop for configuration
// mutations uses github.com/cenkalti/backoff/v5 in place of a
// hand-rolled sleep loop, since the design's "sleep briefly (~1 ms),
// retry" is exactly what a constant backoff policy expresses.
package controller

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/camerad/camerad/internal/device"
	"github.com/camerad/camerad/internal/logging"
	"github.com/camerad/camerad/internal/reconcile"
	"github.com/camerad/camerad/internal/ring"
	"github.com/camerad/camerad/internal/version"
	"github.com/camerad/camerad/internal/worker"
	"github.com/camerad/camerad/internal/xerror"
)

// Server accepts control-protocol connections and dispatches requests
// against a single Worker/Ring/Device triple.
type Server struct {
	addr  string
	w     *worker.Worker
	r     *ring.Ring
	dev   device.Device
	lvl   logging.Level
	log   *zap.SugaredLogger
	start time.Time

	// shutdown is invoked once after a "quit" request observes the
	// Worker reach DONE, so the owning process can tear the rest of the
	// server down. It is optional; a nil shutdown makes "quit" only
	// stop the Worker.
	shutdown func()
}

// New returns a Server listening on addr once Run is called.
func New(addr string, w *worker.Worker, r *ring.Ring, dev device.Device, lvl logging.Level, log *zap.SugaredLogger, shutdown func()) *Server {
	return &Server{addr: addr, w: w, r: r, dev: dev, lvl: lvl, log: log, shutdown: shutdown, start: time.Now()}
}

// Run accepts connections until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %q: %w", s.addr, err)
	}
	s.log.Infow("control protocol listening", "addr", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			resp := s.dispatch(ctx, line)
			if _, werr := conn.Write([]byte(resp + "\n")); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dispatch parses and executes one request line, returning the single
// response line (an error response still begins with "ERR " but is
// otherwise undistinguished text, per the design).
func (s *Server) dispatch(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return errLine(xerror.New("dispatch", xerror.KindParseError, fmt.Errorf("empty request")))
	}

	verb, args := strings.ToLower(fields[0]), fields[1:]
	h, ok := handlers[verb]
	if !ok {
		return errLine(xerror.New("dispatch", xerror.KindParseError, fmt.Errorf("unknown verb %q", verb)))
	}
	return h(s, ctx, args)
}

func errLine(err error) string {
	return "ERR " + err.Error()
}

func okLine(msg string) string {
	if msg == "" {
		return "OK"
	}
	return "OK " + msg
}

type handlerFunc func(s *Server, ctx context.Context, args []string) string

var handlers = map[string]handlerFunc{
	"start":  handleStart,
	"stop":   handleStop,
	"abort":  handleAbort,
	"quit":   handleQuit,
	"exit":   handleQuit,
	"config": handleConfig,
	"debug":  handleDebug,
	"ping":   handlePing,
	"state":  handleState,
	"shmid":  handleShmid,

	// Literal per-field queries from the control protocol's documented
	// vocabulary.
	"sensorwidth":  handleSensorWidth,
	"sensorheight": handleSensorHeight,
	"xbin":         handleXBin,
	"ybin":         handleYBin,
	"xoff":         handleXOff,
	"yoff":         handleYOff,
	"width":        handleWidth,
	"height":       handleHeight,
	"exposuretime": handleExposureTime,
	"framerate":    handleFrameRate,

	// Bundled queries kept alongside the literal ones above: convenient
	// for a client that wants several related fields in one round trip.
	"geometry": handleGeometry,
	"roi":      handleRoi,
	"binning":  handleBinning,

	"linkchannels": handleLinkChannels,
	"linkbitrate":  handleLinkBitrate,
	"temperature":  handleTemperature,
	"version":      handleVersion,
}

func handleStart(s *Server, _ context.Context, args []string) string {
	nbufs := 4
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return errLine(xerror.New("start", xerror.KindParseError, err))
		}
		nbufs = n
	}
	if err := s.w.RequestStart(nbufs); err != nil {
		return errLine(err)
	}
	return okLine("")
}

func handleStop(s *Server, _ context.Context, _ []string) string {
	s.w.RequestStop()
	return okLine("")
}

func handleAbort(s *Server, _ context.Context, _ []string) string {
	s.w.RequestAbort()
	return okLine("")
}

func handleQuit(s *Server, _ context.Context, _ []string) string {
	s.w.RequestExit()
	if s.shutdown != nil {
		go func() {
			for {
				s.w.Lock()
				done := s.w.StateLocked() == ring.StateDone
				s.w.Unlock()
				if done {
					s.shutdown()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	return okLine("")
}

func handlePing(s *Server, _ context.Context, _ []string) string {
	return okLine(strconv.FormatInt(int64(time.Since(s.start)), 10))
}

func handleState(s *Server, _ context.Context, _ []string) string {
	s.w.Lock()
	state := s.w.StateLocked()
	s.w.Unlock()
	return okLine(state.String())
}

func handleShmid(s *Server, _ context.Context, _ []string) string {
	return okLine(strconv.Itoa(s.r.ID()))
}

func handleGeometry(s *Server, _ context.Context, _ []string) string {
	geom := s.r.Geometry()
	return okLine(fmt.Sprintf("%d %d", geom.Width, geom.Height))
}

func handleSensorWidth(s *Server, _ context.Context, _ []string) string {
	return okLine(strconv.Itoa(s.r.Geometry().Width))
}

func handleSensorHeight(s *Server, _ context.Context, _ []string) string {
	return okLine(strconv.Itoa(s.r.Geometry().Height))
}

func handleRoi(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	roi := s.r.Config().Roi
	s.r.Unlock()
	return okLine(fmt.Sprintf("%d %d %d %d", roi.Xoff, roi.Yoff, roi.Width, roi.Height))
}

func handleXOff(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Roi.Xoff
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleYOff(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Roi.Yoff
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleWidth(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Roi.Width
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleHeight(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Roi.Height
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleBinning(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	b := s.r.Config().Binning
	s.r.Unlock()
	return okLine(fmt.Sprintf("%d %d", b.X, b.Y))
}

func handleXBin(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Binning.X
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleYBin(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Binning.Y
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleExposureTime(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().ExposureTime
	s.r.Unlock()
	return okLine(strconv.FormatFloat(v, 'g', -1, 64))
}

func handleFrameRate(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().FrameRate
	s.r.Unlock()
	return okLine(strconv.FormatFloat(v, 'g', -1, 64))
}

func handleLinkChannels(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Link.Channels
	s.r.Unlock()
	return okLine(strconv.Itoa(v))
}

func handleLinkBitrate(s *Server, _ context.Context, _ []string) string {
	s.r.Lock()
	v := s.r.Config().Link.Bitrate
	s.r.Unlock()
	return okLine(strconv.FormatUint(v, 10))
}

func handleTemperature(s *Server, _ context.Context, _ []string) string {
	v, err := s.dev.UpdateTemperature()
	if err != nil {
		return errLine(err)
	}
	return okLine(strconv.FormatFloat(v, 'g', -1, 64))
}

func handleVersion(s *Server, _ context.Context, _ []string) string {
	return okLine(version.Version())
}

func handleDebug(s *Server, _ context.Context, args []string) string {
	if len(args) == 0 {
		return okLine(strconv.FormatBool(s.lvl.IsDebug()))
	}
	switch strings.ToLower(args[0]) {
	case "on":
		s.lvl.SetDebug(true)
	case "off":
		s.lvl.SetDebug(false)
	default:
		return errLine(xerror.New("debug", xerror.KindParseError, fmt.Errorf("expected on|off, got %q", args[0])))
	}
	return okLine("")
}

// handleConfig applies one or more key/value overrides on top of the
// current configuration mirror, retrying while the Worker is
// STOPPING/ABORTING and rejecting outright while ACQUIRING.
func handleConfig(s *Server, ctx context.Context, args []string) string {
	if len(args) == 0 || len(args)%2 != 0 {
		return errLine(xerror.New("config", xerror.KindParseError, fmt.Errorf("expected key value pairs")))
	}

	s.r.Lock()
	base := s.r.Config()
	s.r.Unlock()

	want, err := applyConfigArgs(base, args)
	if err != nil {
		return errLine(err)
	}

	result, err := backoff.Retry(ctx, func() (string, error) {
		s.w.Lock()
		expected := s.w.ExpectedStateLocked()
		switch expected {
		case ring.StateSleeping:
			defer s.w.Unlock()
			applied, err := reconcile.Apply(s.dev, want)
			if err != nil {
				return "", backoff.Permanent(err)
			}
			s.r.Lock()
			s.r.SetConfig(applied)
			s.r.Unlock()
			return "", nil
		case ring.StateStopping, ring.StateAborting:
			s.w.Unlock()
			return "", fmt.Errorf("worker quiescing")
		default:
			s.w.Unlock()
			return "", backoff.Permanent(xerror.New("config", xerror.KindInvalidState,
				fmt.Errorf("cannot change settings during acquisition")))
		}
	}, backoff.WithBackOff(backoff.NewConstantBackOff(time.Millisecond)), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return errLine(err)
	}
	return okLine(result)
}

// applyConfigArgs overlays key/value pairs from args onto base,
// returning the candidate configuration without touching the device.
// Recognized keys are the control protocol's literal vocabulary:
// xbin, ybin, xoff, yoff, width, height, exposuretime, framerate, plus
// the linkchannels/linkbitrate addition.
func applyConfigArgs(base device.Config, args []string) (device.Config, error) {
	cfg := base
	seen := make(map[string]bool, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, val := strings.ToLower(args[i]), args[i+1]
		if seen[key] {
			return cfg, xerror.New("config", xerror.KindParseError, fmt.Errorf("duplicate key %q", key))
		}
		seen[key] = true

		switch key {
		case "xoff":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Roi.Xoff = v
		case "yoff":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Roi.Yoff = v
		case "width":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Roi.Width = v
		case "height":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Roi.Height = v
		case "xbin":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Binning.X = v
		case "ybin":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Binning.Y = v
		case "exposuretime":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.ExposureTime = v
		case "framerate":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.FrameRate = v
		case "linkchannels":
			v, err := strconv.Atoi(val)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Link.Channels = v
		case "linkbitrate":
			v, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return cfg, xerror.New("config", xerror.KindParseError, err)
			}
			cfg.Link.Bitrate = v
		default:
			return cfg, xerror.New("config", xerror.KindParseError, fmt.Errorf("unknown key %q", key))
		}
	}
	return cfg, nil
}
