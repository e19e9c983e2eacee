package bus

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// NATS 用 core NATS subject 广播变更，不使用 JetStream。
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  zerolog.Logger
}

func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("livestate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return &NATS{nc: nc, subject: subject, logger: component("nats")}, nil
}

func (n *NATS) Publish(_ context.Context, c store.Change) error {
	b, err := encode(c)
	if err != nil {
		return err
	}
	return errors.Wrap(n.nc.Publish(n.subject, b), "nats publish")
}

func (n *NATS) Subscribe(ctx context.Context, handler func(store.Change)) error {
	sub, err := n.nc.Subscribe(n.subject, func(m *nats.Msg) {
		deliver(n.logger, m.Data, handler)
	})
	if err != nil {
		return errors.Wrap(err, "nats subscribe")
	}
	// 确保服务端已登记订阅，之后的 Publish 不会丢
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return errors.Wrap(err, "nats flush")
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (n *NATS) Close() error {
	return n.nc.Drain()
}
