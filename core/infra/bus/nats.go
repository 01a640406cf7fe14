package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/davlock/core/infra/logging"
	"github.com/cordum/davlock/core/version"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// ChangeSubject carries version changes between davlock instances.
const ChangeSubject = "davlock.changes"

const (
	envNATSTLSCA   = "NATS_TLS_CA"
	envNATSTLSCert = "NATS_TLS_CERT"
	envNATSTLSKey  = "NATS_TLS_KEY"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilHandler = errors.New("nil handler")
)

// NatsBus fans version changes out over NATS as JSON. Each bus tags what it
// publishes so its own subscription can skip it.
type NatsBus struct {
	nc      *nats.Conn
	subject string
	origin  string
}

type envelope struct {
	Origin string         `json:"origin"`
	Change version.Change `json:"change"`
}

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("davlock-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "connection closed")
		}),
	}
	tlsOpts, err := tlsOptionsFromEnv()
	if err != nil {
		return nil, err
	}
	opts = append(opts, tlsOpts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NatsBus{nc: nc, subject: ChangeSubject, origin: uuid.NewString()}, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends change to every other instance.
func (b *NatsBus) Publish(_ context.Context, change version.Change) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	data, err := json.Marshal(envelope{Origin: b.origin, Change: change})
	if err != nil {
		return err
	}
	return b.nc.Publish(b.subject, data)
}

// SubscribeChanges delivers changes published by other instances. The
// returned func unsubscribes.
func (b *NatsBus) SubscribeChanges(handler func(version.Change)) (func() error, error) {
	if b == nil || b.nc == nil {
		return nil, errNilBus
	}
	if handler == nil {
		return nil, errNilHandler
	}
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		b.dispatch(msg.Data, handler)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b *NatsBus) dispatch(data []byte, handler func(version.Change)) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Error("bus", "failed to decode change", "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	handler(env.Change)
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func tlsOptionsFromEnv() ([]nats.Option, error) {
	ca := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	cert := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	key := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	var opts []nats.Option
	if ca != "" {
		opts = append(opts, nats.RootCAs(ca))
	}
	if cert != "" || key != "" {
		if cert == "" || key == "" {
			return nil, fmt.Errorf("nats tls cert/key must be set together")
		}
		opts = append(opts, nats.ClientCert(cert, key))
	}
	return opts, nil
}
