package events

import (
	"github.com/jxskiss/gopkg/v2/zlog"
	"go.uber.org/zap"
)

// LogSink writes events to a zap logger, completed requests are logged
// as access log lines.
type LogSink struct {
	log *zap.SugaredLogger
}

func NewLogSink(log *zap.SugaredLogger) *LogSink {
	if log == nil {
		log = zlog.Named("events").Sugar()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Emit(e *Event) {
	switch e.Kind {
	case RequestCompleted:
		s.log.Infow("request completed",
			"request_id", e.RequestID,
			"method", e.Method,
			"path", e.Path,
			"route", e.Route,
			"cluster", e.Cluster,
			"member", e.Member,
			"status", e.Status,
			"attempts", e.Attempt,
			"latency", e.Duration,
			"error", e.Error)
	case RouteMatched, MemberSelected:
		s.log.Debugw(string(e.Kind),
			"request_id", e.RequestID,
			"route", e.Route,
			"cluster", e.Cluster,
			"member", e.Member,
			"attempt", e.Attempt)
	case RetryAttempted:
		s.log.Infow("retry attempted",
			"request_id", e.RequestID,
			"route", e.Route,
			"cluster", e.Cluster,
			"attempt", e.Attempt,
			"error", e.Error)
	case CircuitOpened:
		s.log.Warnf("circuit opened: cluster= %s, member= %s", e.Cluster, e.Member)
	case CircuitHalfOpen, CircuitClosed:
		s.log.Infof("circuit %s -> %s: cluster= %s, member= %s", e.From, e.To, e.Cluster, e.Member)
	case HealthChanged:
		s.log.Infof("member health %s -> %s: cluster= %s, member= %s", e.From, e.To, e.Cluster, e.Member)
	case ConfigReloaded:
		s.log.Infof("configuration reloaded: version= %s", e.Version)
	case ConfigRejected:
		s.log.Errorf("configuration rejected, keep version %s: %s", e.Version, e.Error)
	default:
		s.log.Debugw(string(e.Kind), "event", e)
	}
}
