package global

import (
	"context"
	"time"

	"github.com/lunfardo314/unitrie/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type (
	Logging interface {
		Log() *zap.SugaredLogger
		Tracef(tag string, format string, args ...any)
		Assertf(cond bool, format string, args ...any)
		AssertNoError(err error, prefix ...string)
	}

	// NodeGlobal is the environment access all components get
	NodeGlobal interface {
		Logging
		Ctx() context.Context
		Stop()
		MarkWorkProcessStarted(name string)
		MarkWorkProcessStopped(name string)
		RepeatInBackground(name string, period time.Duration, fun func() bool, skipFirst ...bool)
		MetricsRegistry() *prometheus.Registry
	}

	// StateStore is the durable backing of the consensus state. Batched writes
	// are applied atomically or not at all
	StateStore interface {
		common.KVReader
		common.BatchedUpdatable
		common.Traversable
	}
)
