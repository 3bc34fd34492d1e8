// Пакет signal — доставка команд узлам обработки.
//
// Узел подписывается на свой канал (имя выдаётся при регистрации)
// и получает команды, например отмену обработки файла. Без Redis
// используется Noop: узлы узнают об отмене при следующем отчёте.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Типы команд.
const (
	CommandCancel = "cancel"
)

var tracer = otel.Tracer("flow-server/signal")

// Message — команда для узла.
type Message struct {
	Command   string    `json:"command"`
	FileUID   string    `json:"fileUid,omitempty"`
	WorkerUID string    `json:"workerUid,omitempty"`
	Revision  int64     `json:"revision,omitempty"`
	SentAt    time.Time `json:"sentAt"`
}

// Signaler публикует команды узлам.
type Signaler interface {
	// Channel возвращает имя канала узла; пустая строка — доставка отключена.
	Channel(nodeUID string) string
	Publish(ctx context.Context, nodeUID string, msg Message) error
	Close() error
}

// Noop — Signaler без доставки.
type Noop struct{}

func (Noop) Channel(string) string { return "" }

func (Noop) Publish(context.Context, string, Message) error { return nil }

func (Noop) Close() error { return nil }

// CheckReady — доставка отключена, это не ошибка.
func (Noop) CheckReady() (string, string) { return "ok", "доставка команд отключена" }

// RedisSignaler публикует команды через Redis pub/sub.
type RedisSignaler struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisSignaler подключается к Redis и проверяет соединение.
func NewRedisSignaler(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisSignaler, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("подключение к Redis %s: %w", addr, err)
	}
	return &RedisSignaler{
		client: client,
		prefix: "fileflows:node:",
		logger: logger.With(slog.String("component", "signal")),
	}, nil
}

// Channel возвращает имя канала узла.
func (s *RedisSignaler) Channel(nodeUID string) string {
	return s.prefix + nodeUID
}

// Publish отправляет команду. Отсутствие подписчиков не считается ошибкой.
func (s *RedisSignaler) Publish(ctx context.Context, nodeUID string, msg Message) error {
	ctx, span := tracer.Start(ctx, "redis.publish",
		trace.WithAttributes(
			attribute.String("node_uid", nodeUID),
			attribute.String("command", msg.Command),
		),
	)
	defer span.End()

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("сериализация команды: %w", err)
	}

	receivers, err := s.client.Publish(ctx, s.Channel(nodeUID), data).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("публикация команды узлу %s: %w", nodeUID, err)
	}
	span.SetAttributes(attribute.Int64("receivers", receivers))
	if receivers == 0 {
		s.logger.Debug("Нет подписчиков на канале узла",
			slog.String("node_uid", nodeUID),
			slog.String("command", msg.Command),
		)
	}
	return nil
}

// CheckReady проверяет соединение с Redis. Недоступный Redis
// не мешает выдаче файлов, поэтому статус degraded.
func (s *RedisSignaler) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return "degraded", fmt.Sprintf("Redis недоступен: %v", err)
	}
	return "ok", "подключение активно"
}

// Close закрывает соединение с Redis.
func (s *RedisSignaler) Close() error {
	return s.client.Close()
}
