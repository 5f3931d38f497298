// Command dispatchd runs a dispatch.Dispatcher bound to one or more listen
// addresses, forwarding every client request to a single upstream target
// over upstream.Queue.
package main

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/hybscloud/dispatchd/dispatch"
	"github.com/hybscloud/dispatchd/framedcodec"
	"github.com/hybscloud/dispatchd/upstream"
)

type config struct {
	Listen   []string `long:"listen" description:"address to accept client connections on (repeatable)" required:"true"`
	Upstream string   `long:"upstream" description:"address of the single upstream target" required:"true"`

	MaxActive       int  `long:"max-active" default:"1024" description:"maximum concurrently admitted client connections"`
	MaxInflight     int  `long:"max-inflight" default:"32768" description:"maximum in-flight requests against the upstream target"`
	DropOnWriteFail bool `long:"drop-on-write-fail" description:"reap a connection whose response write fails instead of only logging it"`

	LogLevel string `long:"log-level" default:"info" description:"panic, fatal, error, warn, info, debug, or trace"`
}

type codec struct{}

func (codec) NewReader(conn net.Conn) dispatch.FramedReader { return framedcodec.NewReader(conn) }
func (codec) NewWriter(conn net.Conn) dispatch.FramedWriter { return framedcodec.NewWriter(conn) }

func main() {
	var cfg config
	if _, err := flags.Parse(&cfg); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid --log-level")
	}
	logrus.SetLevel(level)
	log := logrus.WithField("component", "dispatchd")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("dispatchd exited with error")
	}
}

func run(cfg config, log *logrus.Entry) error {
	upConn, err := net.Dial("tcp", cfg.Upstream)
	if err != nil {
		return errors.Wrapf(err, "dialing upstream %s", cfg.Upstream)
	}
	queue := upstream.NewQueue(upConn, upstream.Options{MaxInflight: int64(cfg.MaxInflight)})
	defer queue.Close()

	listeners := make([]net.Listener, 0, len(cfg.Listen))
	for _, addr := range cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "listening on %s", addr)
		}
		defer ln.Close()
		listeners = append(listeners, ln)
		log.WithField("addr", addr).Info("listening")
	}

	opts := []dispatch.Option{dispatch.WithDropOnWriteFailure(cfg.DropOnWriteFail)}
	d, err := dispatch.New(listeners, queue, codec{}, cfg.MaxActive, opts...)
	if err != nil {
		return errors.Wrap(err, "constructing dispatcher")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.WithField("signal", s).Info("shutting down")
		d.Stop()
	case <-d.Drained():
		log.Warn("dispatcher drained itself; upstream likely failed")
	}

	<-d.Drained()
	d.Done()
	log.Info("drained, exiting")
	return nil
}
