package publisher

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"olhovivo-collector/internal/collector"
	"olhovivo-collector/internal/store"
)

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("olhovivo-collector"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectToken(subjectPrefix), metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// FileMessage announces one collected file.
type FileMessage struct {
	CycleID  uuid.UUID `json:"cycleId"`
	Category string    `json:"category"`
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Bytes    int       `json:"bytes"`
	SavedAt  time.Time `json:"savedAt"`
}

// FileSaved publishes to <prefix>.file.<category>.
func (p *NATSPublisher) FileSaved(_ context.Context, cycleID uuid.UUID, f store.SavedFile) {
	msg := FileMessage{
		CycleID:  cycleID,
		Category: f.Category,
		Name:     f.Name,
		Path:     f.Path,
		Bytes:    f.Bytes,
		SavedAt:  f.SavedAt,
	}
	if err := p.publish(FileSubject(p.prefix, f.Category), msg); err != nil {
		log.Printf("nats publish error for %s: %v", f.Path, err)
	}
}

// CycleFinished publishes the cycle report to <prefix>.cycle.
func (p *NATSPublisher) CycleFinished(_ context.Context, r collector.Report) {
	if err := p.publish(p.prefix+".cycle", r); err != nil {
		log.Printf("nats publish error for cycle %d: %v", r.Number, err)
	}
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// FileSubject is the subject file events for category go to.
func FileSubject(prefix, category string) string {
	return prefix + ".file." + subjectToken(category)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
