package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event 是不可变的任务结果/进度通知
type Event struct {
	TaskID   string      `json:"taskId"`
	Kind     TaskKind    `json:"kind"`
	EntityID string      `json:"entityId"`
	Type     EventType   `json:"type"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
	Result   interface{} `json:"result,omitempty"`
	At       time.Time   `json:"at"`
}

// Sink 接收总线上的每个事件，例如转发到 Redis
type Sink interface {
	Publish(ev Event)
}

// Bus 把任务事件扇出给订阅者。订阅方自己管理订阅的生命周期。
type Bus struct {
	mu    sync.RWMutex
	subs  map[int]chan Event
	next  int
	sinks []Sink
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe 返回事件 channel 和退订函数；退订后 channel 会被关闭
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish 从不阻塞；订阅者来不及消费时丢弃事件
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Int("subscriber", id).Str("task_id", ev.TaskID).Msg("event subscriber is slow, dropping event")
		}
	}
	for _, s := range b.sinks {
		s.Publish(ev)
	}
}

// RedisSink 把事件以 JSON 发布到 Redis 频道，供其他进程订阅
type RedisSink struct {
	client  *redis.Client
	channel string
	queue   chan Event
	done    chan struct{}
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	s := &RedisSink{
		client:  client,
		channel: channel,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *RedisSink) Publish(ev Event) {
	select {
	case s.queue <- ev:
	default:
		log.Warn().Str("channel", s.channel).Msg("redis event queue full, dropping event")
	}
}

func (s *RedisSink) loop() {
	defer close(s.done)
	for ev := range s.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("marshal event")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			log.Warn().Err(err).Str("channel", s.channel).Msg("publish event to redis")
		}
		cancel()
	}
}

// Close 停止接收并等待已排队的事件发完
func (s *RedisSink) Close() {
	close(s.queue)
	<-s.done
}
