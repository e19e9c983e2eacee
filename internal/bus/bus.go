// Package bus 在节点之间复制 store 的变更。每个节点把本地提交的写入
// 广播出去，并把其他节点的写入交回 store 按 last-write-wins 应用。
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kavymi/palytt-monorepo-sub008/internal/config"
	"github.com/kavymi/palytt-monorepo-sub008/internal/log"
	"github.com/kavymi/palytt-monorepo-sub008/internal/store"
)

// New 按配置创建 Bus；driver 为 none 或空时返回 nil，表示单节点运行。
func New(cfg config.Config) (store.Bus, error) {
	switch cfg.BusDriver {
	case "", "none":
		return nil, nil
	case "redis":
		r, err := NewRedis(cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "nats":
		n, err := NewNATS(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

func encode(c store.Change) ([]byte, error) {
	b, err := json.Marshal(c)
	return b, errors.Wrap(err, "encode change")
}

// deliver 解码一条消息并交给 handler，坏消息只记录日志。
func deliver(logger zerolog.Logger, payload []byte, handler func(store.Change)) {
	var c store.Change
	if err := json.Unmarshal(payload, &c); err != nil {
		logger.Warn().Err(err).Int("bytes", len(payload)).Msg("drop undecodable change")
		return
	}
	handler(c)
}

func component(driver string) zerolog.Logger {
	return log.Component("bus").With().Str("driver", driver).Logger()
}
