package global

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obylite/obylite/util"
	"github.com/obylite/obylite/util/set"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Global struct {
	*zap.SugaredLogger
	ctx             context.Context
	stopFun         context.CancelFunc
	logStopOnce     *sync.Once
	stopOnce        *sync.Once
	components      sync.WaitGroup
	metricsRegistry *prometheus.Registry
	enabledTrace    atomic.Bool
	traceTagsMutex  sync.RWMutex
	traceTags       set.Set[string]
}

var _ NodeGlobal = &Global{}

func NewDefault() *Global {
	return New(NewLogger("", zapcore.InfoLevel, nil, ""))
}

func New(logger *zap.SugaredLogger) *Global {
	ctx, stopFun := context.WithCancel(context.Background())
	return &Global{
		SugaredLogger:   logger,
		ctx:             ctx,
		stopFun:         stopFun,
		logStopOnce:     &sync.Once{},
		stopOnce:        &sync.Once{},
		metricsRegistry: prometheus.NewRegistry(),
		traceTags:       set.New[string](),
	}
}

func (l *Global) Log() *zap.SugaredLogger {
	return l.SugaredLogger
}

func (l *Global) Ctx() context.Context {
	return l.ctx
}

func (l *Global) Stop() {
	l.stopOnce.Do(func() {
		l.Log().Info("global STOP invoked")
		l.stopFun()
	})
}

func (l *Global) MarkWorkProcessStarted(name string) {
	l.Tracef(TraceTagGlobal, "work process '%s' started", name)
	l.components.Add(1)
}

func (l *Global) MarkWorkProcessStopped(name string) {
	l.Tracef(TraceTagGlobal, "work process '%s' stopped", name)
	l.components.Done()
}

// WaitAllWorkProcessesStop blocks until all started work processes are down
func (l *Global) WaitAllWorkProcessesStop() {
	l.components.Wait()
	l.logStopOnce.Do(func() {
		l.Log().Info("all work processes stopped")
	})
}

func (l *Global) MetricsRegistry() *prometheus.Registry {
	return l.metricsRegistry
}

// RepeatInBackground repeats the closure until it returns false or the global
// context is closed
func (l *Global) RepeatInBackground(name string, period time.Duration, fun func() bool, skipFirst ...bool) {
	l.MarkWorkProcessStarted(name)
	go func() {
		defer l.MarkWorkProcessStopped(name)

		if len(skipFirst) == 0 || !skipFirst[0] {
			if !fun() {
				return
			}
		}
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(period):
				if !fun() {
					return
				}
			}
		}
	}()
}

func (l *Global) Assertf(cond bool, format string, args ...any) {
	if !cond {
		l.SugaredLogger.Fatalf("assertion failed:: "+format, util.EvalLazyArgs(args...)...)
	}
}

func (l *Global) AssertNoError(err error, prefix ...string) {
	if err != nil {
		pref := "error: "
		if len(prefix) > 0 {
			pref = strings.Join(prefix, " ") + ": "
		}
		l.SugaredLogger.Fatalf(pref+"%v", err)
	}
}

func (l *Global) EnableTraceTags(tags ...string) {
	l.traceTagsMutex.Lock()
	for _, t := range tags {
		for _, t1 := range strings.Split(t, ",") {
			l.traceTags.Insert(strings.TrimSpace(t1))
		}
		l.enabledTrace.Store(true)
	}
	l.traceTagsMutex.Unlock()
	for _, tag := range tags {
		l.Tracef(tag, "trace tag enabled")
	}
}

func (l *Global) Tracef(tag string, format string, args ...any) {
	if !l.enabledTrace.Load() {
		return
	}

	l.traceTagsMutex.RLock()
	defer l.traceTagsMutex.RUnlock()

	for _, t := range strings.Split(tag, ",") {
		if l.traceTags.Contains(t) {
			l.SugaredLogger.Infof("TRACE(%s) %s", t, fmt.Sprintf(format, util.EvalLazyArgs(args...)...))
			return
		}
	}
}
