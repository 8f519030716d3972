package relay

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"strom/models"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strom_relay_connection_attempts_total",
		Help: "The total number of connection attempts to relays",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strom_relay_connection_errors_total",
		Help: "The total number of relay connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strom_relay_current_connections",
		Help: "The current number of active relay websocket connections",
	})

	wsEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strom_relay_events_received_total",
		Help: "The total number of EVENT frames received per relay",
	}, []string{"relay"})

	wsPingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strom_relay_ping_latency_seconds",
		Help:    "Latency of websocket ping/pong round trips",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 4 * 1024
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second

	// boundedDialBudget caps dial retries for bounded queries, which must
	// terminate even when a relay stays unreachable.
	boundedDialBudget = 15 * time.Second
)

// delivery is one unit handed from a relay subscription to the fan-in loop.
type delivery struct {
	relay string
	item  models.ContentItem
	eose  bool
}

// dial establishes a websocket connection to the relay, retrying with
// exponential backoff until the context is cancelled or, when maxElapsed is
// positive, until the retry budget runs out.
func dial(ctx context.Context, relayURL string, maxElapsed time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = maxElapsed // Zero retries until the context cancels

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		wsConnectionAttempts.Inc()
		conn, _, err := dialer.DialContext(ctx, relayURL, nil)
		if err != nil {
			wsConnectionErrors.Inc()
			log.WithFields(log.Fields{
				"relay": relayURL,
				"error": err,
			}).Warn("Relay dial failed, backing off")

			next := bo.NextBackOff()
			if next == backoff.Stop {
				return nil, err
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(next):
			}
			continue
		}

		wsCurrentConnections.Inc()
		setupConnectionHandlers(conn)
		go managePingPong(ctx, conn)
		return conn, nil
	}
}

// setupConnectionHandlers configures deadlines and control-frame handlers.
func setupConnectionHandlers(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("Relay connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong keeps the connection alive and measures round-trip latency.
func managePingPong(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingStart := time.Now()

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}

			conn.SetPongHandler(func(appData string) error {
				wsPingLatency.Observe(time.Since(pingStart).Seconds())
				return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			})

			if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}

// subscribeRelay dials one relay, issues the REQ and forwards deliveries
// until the context is cancelled, the connection drops, or, for bounded
// filters, until the relay reports end of stored events.
func subscribeRelay(ctx context.Context, relayURL, subID string, filter models.Filter, deliveries chan<- delivery) {
	var dialBudget time.Duration
	if filter.Bounded() {
		dialBudget = boundedDialBudget
	}
	conn, err := dial(ctx, relayURL, dialBudget)
	if err != nil {
		return
	}
	defer func() {
		conn.Close()
		wsCurrentConnections.Dec()
	}()

	// Unblock ReadMessage when the session is superseded.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	req, err := encodeReq(subID, filter)
	if err != nil {
		log.Errorf("Failed to encode subscription request: %v", err)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		wsConnectionErrors.Inc()
		log.WithFields(log.Fields{
			"relay": relayURL,
			"error": err,
		}).Error("Failed to send subscription request")
		return
	}

	log.WithFields(log.Fields{
		"relay": relayURL,
		"subId": subID,
	}).Debug("Subscribed to relay")

	sendClose := func() {
		if msg, err := encodeClose(subID); err == nil {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			conn.WriteMessage(websocket.TextMessage, msg)
		}
	}

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Errorf("Unexpected relay close: %v", err)
				wsConnectionErrors.Inc()
			}
			return
		}

		fr, err := decodeFrame(data)
		if err != nil {
			log.WithFields(log.Fields{
				"relay": relayURL,
				"error": err,
			}).Debug("Skipping malformed frame")
			continue
		}

		switch fr.Type {
		case "EVENT":
			if fr.SubID != subID {
				continue
			}
			wsEventsReceived.WithLabelValues(relayURL).Inc()
			select {
			case deliveries <- delivery{relay: relayURL, item: fr.Item}:
			case <-ctx.Done():
				sendClose()
				return
			}
		case "EOSE":
			if fr.SubID != subID {
				continue
			}
			select {
			case deliveries <- delivery{relay: relayURL, eose: true}:
			case <-ctx.Done():
				sendClose()
				return
			}
			if filter.Bounded() {
				sendClose()
				return
			}
		case "CLOSED":
			if fr.SubID == subID {
				log.WithFields(log.Fields{
					"relay":  relayURL,
					"reason": fr.Notice,
				}).Warn("Relay closed subscription")
				return
			}
		case "NOTICE":
			log.WithFields(log.Fields{
				"relay":  relayURL,
				"notice": fr.Notice,
			}).Debug("Relay notice")
		}
	}
}
