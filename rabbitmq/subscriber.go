package rabbitmq

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"ecocity/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message is a received delivery.
type Message struct {
	Body        []byte
	RoutingKey  string
	Redelivered bool
	Timestamp   time.Time
}

// UnmarshalTo unmarshals the message body into v.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return:
//   - nil on success (ack)
//   - Permanent(err) for a failure a retry cannot fix (nack, no requeue)
//   - any other error for a transient failure (requeued once)
type CallbackFunc func(msg *Message) error

// PermanentError marks a processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// Subscriber consumes a durable queue bound to a direct exchange, with a
// bounded worker pool and automatic reconnection.
type Subscriber struct {
	amqpURL  string
	exchange string
	queue    string
	workers  int

	// amqp.Channel is not safe for concurrent use.
	opMu    sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	startOnce sync.Once
	done      chan struct{}
	connected atomic.Bool
}

// NewSubscriber connects, declaring the exchange and queue so callers
// fail fast when the broker is unreachable.
func NewSubscriber(amqpURL, exchange, queue string, workers int) (*Subscriber, error) {
	if workers <= 0 {
		workers = 4
	}
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchange,
		queue:    queue,
		workers:  workers,
		done:     make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) reconnectLocked() error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		s.setConnected(false)
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.setConnected(false)
		return err
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.setConnected(false)
		return err
	}
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.setConnected(false)
		return err
	}

	s.conn = conn
	s.channel = ch
	s.setConnected(true)
	return nil
}

func (s *Subscriber) setConnected(v bool) {
	s.connected.Store(v)
	if v {
		metrics.RabbitMQConnected.Set(1)
	} else {
		metrics.RabbitMQConnected.Set(0)
	}
}

// Start begins consuming, dispatching deliveries to the callback for
// their routing key. Unknown routing keys are dropped without requeue.
func (s *Subscriber) Start(callbacks map[string]CallbackFunc) {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)

		for i := 0; i < s.workers; i++ {
			go s.worker(jobs, callbacks)
		}
		go s.consumeLoop(jobs, callbacks)
	})
}

func (s *Subscriber) worker(jobs <-chan amqp.Delivery, callbacks map[string]CallbackFunc) {
	for delivery := range jobs {
		s.handle(delivery, callbacks)
	}
}

func (s *Subscriber) handle(delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	callback, ok := callbacks[delivery.RoutingKey]
	if !ok {
		log.Warnf("No callback for routing key %s, dropping delivery", delivery.RoutingKey)
		s.nack(delivery, false)
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Redelivered: delivery.Redelivered,
		Timestamp:   delivery.Timestamp,
	}

	var callbackErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic processing %s delivery: %v", delivery.RoutingKey, r)
				callbackErr = Permanent(errors.New("panic in callback"))
			}
		}()
		callbackErr = callback(msg)
	}()

	switch {
	case callbackErr == nil:
		s.ack(delivery)
		metrics.ProcessedTotal.WithLabelValues("success").Inc()
	case isPermanent(callbackErr):
		log.Errorf("Permanent failure on %s: %v", delivery.RoutingKey, callbackErr)
		s.nack(delivery, false)
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
	default:
		// One redelivery per message: a transient failure on a redelivered
		// message is dropped instead of looping forever.
		requeue := !delivery.Redelivered
		log.Warnf("Transient failure on %s (requeue=%t): %v", delivery.RoutingKey, requeue, callbackErr)
		s.nack(delivery, requeue)
		metrics.ProcessedTotal.WithLabelValues("transient_error").Inc()
	}
}

func (s *Subscriber) ack(delivery amqp.Delivery) {
	s.opMu.Lock()
	err := delivery.Ack(false)
	s.opMu.Unlock()
	if err != nil {
		metrics.AckErrorTotal.Inc()
	}
}

func (s *Subscriber) nack(delivery amqp.Delivery, requeue bool) {
	s.opMu.Lock()
	err := delivery.Nack(false, requeue)
	s.opMu.Unlock()
	if err != nil {
		metrics.NackErrorTotal.Inc()
	}
}

func (s *Subscriber) consumeLoop(jobs chan<- amqp.Delivery, callbacks map[string]CallbackFunc) {
	backoff := time.Second
	for {
		select {
		case <-s.done:
			close(jobs)
			return
		default:
		}

		s.opMu.Lock()
		if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
			if err := s.reconnectLocked(); err != nil {
				s.opMu.Unlock()
				log.Errorf("RabbitMQ reconnect failed: %v", err)
				backoff = s.sleepBackoff(backoff)
				continue
			}
		}

		if err := s.channel.Qos(s.workers, 0, false); err != nil {
			s.setConnected(false)
			s.opMu.Unlock()
			log.Errorf("RabbitMQ qos failed: %v", err)
			backoff = s.sleepBackoff(backoff)
			continue
		}

		bindFailed := false
		for routingKey := range callbacks {
			if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
				log.Errorf("RabbitMQ bind %s failed: %v", routingKey, err)
				bindFailed = true
				break
			}
		}
		if bindFailed {
			s.setConnected(false)
			s.opMu.Unlock()
			backoff = s.sleepBackoff(backoff)
			continue
		}

		msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
		s.opMu.Unlock()
		if err != nil {
			s.setConnected(false)
			log.Errorf("RabbitMQ consume failed: %v", err)
			backoff = s.sleepBackoff(backoff)
			continue
		}

		log.Infof("Consuming queue %s on exchange %s with %d workers", s.queue, s.exchange, s.workers)
		backoff = time.Second

		closed := false
		for !closed {
			select {
			case <-s.done:
				close(jobs)
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.setConnected(false)
					log.Warnf("Delivery channel closed for queue %s, reconnecting", s.queue)
					closed = true
					break
				}
				jobs <- delivery
			}
		}
	}
}

func (s *Subscriber) sleepBackoff(backoff time.Duration) time.Duration {
	time.Sleep(backoff)
	if backoff < 30*time.Second {
		return backoff * 2
	}
	return backoff
}

// IsConnected reports the best-effort connection state.
func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

// Close stops consuming and closes the connection.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var err error
	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			err = channelErr
		}
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil {
			if err == nil {
				err = connErr
			}
		}
		s.conn = nil
	}
	s.setConnected(false)
	return err
}
