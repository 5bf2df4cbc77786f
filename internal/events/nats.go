package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamName JetStream 流名称
const StreamName = "SENDCORE_EVENTS"

// NATSPublisher 把事件写入 NATS JetStream
type NATSPublisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
}

// NewNATSPublisher 连接 NATS 并获取 JetStream 上下文
func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("sendcore"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if subjectPrefix == "" {
		subjectPrefix = "sendcore"
	}
	return &NATSPublisher{nc: nc, js: js, prefix: subjectPrefix}, nil
}

// EnsureStream 确保事件流存在
func (p *NATSPublisher) EnsureStream(context.Context) error {
	if info, err := p.js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish 实现 Publisher，事件 ID 作为 JetStream 去重 ID
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := p.js.Publish(Subject(p.prefix, e), payload, nats.MsgId(e.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close 关闭 NATS 连接
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Subject 事件主题：<prefix>.<actor>.<type>
func Subject(prefix string, e Event) string {
	return fmt.Sprintf("%s.%s.%s", prefix, e.Actor, e.Type)
}

// Healthy 连接断开时返回错误，供就绪检查使用
func (p *NATSPublisher) Healthy() error {
	if p.nc == nil || !p.nc.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}
