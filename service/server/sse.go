package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/planwallet/service/metrics"
	natspkg "github.com/brojonat/planwallet/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// FlowStream delivers flow events for one address until ctx is done.
type FlowStream interface {
	Subscribe(ctx context.Context, address string) (<-chan *natspkg.FlowEvent, error)
}

// SSEStreamer reads flow events back from JetStream for SSE clients.
type SSEStreamer struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEStreamer connects to NATS for consuming the flows stream.
func NewSSEStreamer(natsURL string, logger *slog.Logger) (*SSEStreamer, error) {
	nc, js, err := natspkg.Connect(natsURL, "planwallet-sse")
	if err != nil {
		return nil, err
	}
	logger.Info("SSE streamer initialized", "nats_url", natsURL)
	return &SSEStreamer{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (s *SSEStreamer) Close() error {
	if s.nc != nil {
		s.nc.Close()
		s.logger.Info("SSE streamer closed")
	}
	return nil
}

// Subscribe creates an ephemeral consumer on flows.{address} that delivers
// only events published after the call.
func (s *SSEStreamer) Subscribe(ctx context.Context, address string) (<-chan *natspkg.FlowEvent, error) {
	cons, err := s.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: natspkg.SubjectPrefix + address,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	out := make(chan *natspkg.FlowEvent, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		defer msg.Ack()
		var event natspkg.FlowEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			s.logger.WarnContext(ctx, "failed to unmarshal flow event", "error", err)
			return
		}
		select {
		case out <- &event:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming messages: %w", err)
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return out, nil
}

// handleStreamFlows streams flow events as SSE. Without an address path
// parameter it follows the currently connected wallet.
// GET /api/v1/stream[/{address}]
func handleStreamFlows(stream FlowStream, engine Orchestrator, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if address == "" {
			if session := engine.Snapshot().Session; session != nil {
				address = session.Address
			}
		}
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		events, err := stream.Subscribe(r.Context(), address)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to subscribe to flow events", "address", address, "error", err)
			writeError(w, "failed to subscribe", http.StatusBadGateway)
			return
		}

		// The server write timeout would otherwise cut the stream.
		rc := clearWriteDeadline(w, r, logger)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		if m != nil {
			m.RecordSSEConnectionChange(1)
			defer m.RecordSSEConnectionChange(-1)
		}
		logger.DebugContext(r.Context(), "SSE client connected", "address", address, "remote_addr", r.RemoteAddr)

		fmt.Fprintf(w, "event: connected\ndata: {\"address\":%q}\n\n", address)
		rc.Flush()

		keepalive := time.NewTicker(10 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				rc.Flush()

			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal flow event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
				rc.Flush()
				if m != nil {
					m.RecordSSEEventSent(event.Kind)
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected", "address", address, "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
