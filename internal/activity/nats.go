package activity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix namespaces activity subjects.
const DefaultSubjectPrefix = "conductd.activity"

// Config holds activity sink configuration.
type Config struct {
	// URL is the NATS server to publish to. Empty disables the sink.
	URL string `koanf:"url"`

	// SubjectPrefix namespaces activity subjects. Default "conductd.activity".
	SubjectPrefix string `koanf:"subject_prefix"`
}

// NATSSink publishes events to NATS, one subject per project.
//
// Publishing is asynchronous and errors are logged and dropped; a slow or
// absent broker costs nothing but the event.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSSink connects to the broker. The connection retries in the
// background, so a broker that is down at startup only delays events.
func NewNATSSink(cfg Config, logger *zap.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return &NATSSink{conn: conn, prefix: cfg.SubjectPrefix, logger: logger}, nil
}

// Publish implements Sink. It never blocks beyond the local buffer write.
func (s *NATSSink) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("dropping unencodable activity event",
			zap.String("kind", event.Kind), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.%s", s.prefix, event.ProjectID)
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Debug("dropping activity event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes and closes the connection.
func (s *NATSSink) Close() {
	if err := s.conn.Flush(); err != nil {
		s.logger.Debug("flushing activity events", zap.Error(err))
	}
	s.conn.Close()
}
