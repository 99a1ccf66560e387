// Package rabbitmq provides the AMQP transport for integration events:
// a reconnecting connection hub, a confirm-mode publisher, the exchange
// and queue topology, and the consumer loop feeding the dispatcher.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopfabric/lib-eventbus/eventbus/backoff"
	"github.com/shopfabric/lib-eventbus/eventbus/log"
	"go.opentelemetry.io/otel"
)

const defaultHealthCheckTimeout = 5 * time.Second

// reconnectBackoffCap bounds the delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")

	// ErrChannelUnavailable is returned when no usable channel exists after
	// a connect attempt.
	ErrChannelUnavailable = errors.New("rabbitmq channel not available")
)

// Connection is a hub that owns one AMQP connection and its primary
// channel, reconnecting with rate-limited backoff when the broker drops.
type Connection struct {
	mu sync.Mutex

	// ConnectionStringSource is the amqp:// URI used to dial the broker.
	ConnectionStringSource string `json:"-"`
	// HealthCheckURL is the management API base URL, e.g. http://host:15672.
	HealthCheckURL string
	User           string `json:"-"`
	Pass           string `json:"-"`
	Logger         log.Logger

	Connection *amqp.Connection
	Channel    *amqp.Channel
	Connected  bool

	dialer             func(context.Context, string) (*amqp.Connection, error)
	channelFactory     func(*amqp.Connection) (*amqp.Channel, error)
	connectionCloser   func(*amqp.Connection) error
	connectionClosedFn func(*amqp.Connection) bool
	channelClosedFn    func(*amqp.Channel) bool
	healthHTTPClient   *http.Client

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// Connect dials the broker, opens the primary channel, and verifies broker
// health through the management API when HealthCheckURL is set.
func (rc *Connection) Connect() error {
	return rc.ConnectContext(context.Background())
}

// ConnectContext dials the broker, opens the primary channel, and verifies
// broker health.
func (rc *Connection) ConnectContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq connect: %w", err)
	}

	tracer := otel.Tracer("rabbitmq")

	ctx, span := tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	rc.mu.Lock()
	rc.applyDefaults()

	connStr := rc.ConnectionStringSource
	healthURL := rc.HealthCheckURL
	healthUser := rc.User
	healthPass := rc.Pass
	healthClient := rc.healthHTTPClient
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connectionCloser := rc.connectionCloser
	connectionClosedFn := rc.connectionClosedFn
	logger := rc.logger()
	rc.mu.Unlock()

	logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq")

	conn, err := dialer(ctx, connStr)
	if err != nil {
		sanitized := newSanitizedError(err, connStr, "failed to connect to rabbitmq")
		logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, connStr)))
		span.RecordError(sanitized)

		return sanitized
	}

	ch, err := channelFactory(conn)
	if err != nil || ch == nil {
		closeQuietly(conn, connectionCloser, logger)

		if err == nil {
			err = ErrChannelUnavailable
		}

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))
		span.RecordError(err)

		return fmt.Errorf("failed to open channel on rabbitmq: %w", err)
	}

	if healthURL != "" && !healthCheck(ctx, healthURL, healthUser, healthPass, healthClient, logger) {
		closeQuietly(conn, connectionCloser, logger)

		err = errors.New("rabbitmq health check failed")
		span.RecordError(err)

		return err
	}

	logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	rc.mu.Lock()
	if rc.Connection != nil && rc.Connection != conn && !connectionClosedFn(rc.Connection) {
		rc.mu.Unlock()
		closeQuietly(conn, connectionCloser, logger)

		return nil
	}

	rc.Connected = true
	rc.Connection = conn
	rc.Channel = ch
	rc.reconnectAttempts = 0
	rc.mu.Unlock()

	return nil
}

// EnsureChannelContext reopens the connection and channel when either is
// closed. Reconnect attempts are rate-limited with exponential backoff to
// avoid hammering a down broker.
func (rc *Connection) EnsureChannelContext(ctx context.Context) error {
	if rc == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	rc.applyDefaults()

	needConnection := rc.Connection == nil || rc.connectionClosedFn(rc.Connection)
	needChannel := needConnection || rc.Channel == nil || rc.channelClosedFn(rc.Channel)

	if needConnection && rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitter(500*time.Millisecond, rc.reconnectAttempts)
		if delay > reconnectBackoffCap {
			delay = reconnectBackoffCap
		}

		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			rc.mu.Unlock()

			return fmt.Errorf("rabbitmq ensure channel: rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	connStr := rc.ConnectionStringSource
	dialer := rc.dialer
	channelFactory := rc.channelFactory
	connectionCloser := rc.connectionCloser
	existingConn := rc.Connection
	logger := rc.logger()
	rc.mu.Unlock()

	if !needChannel {
		return nil
	}

	conn := existingConn
	newConnection := false

	if needConnection {
		rc.mu.Lock()
		rc.lastReconnectAttempt = time.Now()
		rc.mu.Unlock()

		var err error

		conn, err = dialer(ctx, connStr)
		if err != nil {
			logger.Log(ctx, log.LevelError, "failed to reconnect to rabbitmq",
				log.String("error_detail", sanitizeAMQPErr(err, connStr)))

			rc.mu.Lock()
			rc.Connected = false
			rc.reconnectAttempts++
			rc.mu.Unlock()

			return newSanitizedError(err, connStr, "can't connect to rabbitmq")
		}

		newConnection = true
	}

	ch, err := channelFactory(conn)
	if err == nil && ch == nil {
		err = ErrChannelUnavailable
	}

	if err != nil {
		if newConnection {
			closeQuietly(conn, connectionCloser, logger)
		}

		rc.mu.Lock()
		rc.Channel = nil
		rc.Connected = false
		rc.mu.Unlock()

		logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return fmt.Errorf("rabbitmq ensure channel: %w", err)
	}

	rc.mu.Lock()
	if newConnection {
		rc.Connection = conn
		rc.reconnectAttempts = 0
	}

	rc.Channel = ch
	rc.Connected = true
	rc.mu.Unlock()

	return nil
}

// GetNewConnectContext returns a usable channel, reconnecting if needed.
func (rc *Connection) GetNewConnectContext(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	rc.applyDefaults()

	if rc.Connected && rc.Channel != nil && !rc.channelClosedFn(rc.Channel) {
		ch := rc.Channel
		rc.mu.Unlock()

		return ch, nil
	}
	rc.mu.Unlock()

	if err := rc.EnsureChannelContext(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.Channel == nil {
		rc.Connected = false

		return nil, ErrChannelUnavailable
	}

	return rc.Channel, nil
}

// NewChannel opens a fresh dedicated channel on the current connection,
// reconnecting first when the connection is down. Publishers and consumers
// should each own their channel rather than share the hub's primary one.
func (rc *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if err := rc.EnsureChannelContext(ctx); err != nil {
		return nil, err
	}

	rc.mu.Lock()
	conn := rc.Connection
	factory := rc.channelFactory
	rc.mu.Unlock()

	if conn == nil {
		return nil, ErrChannelUnavailable
	}

	ch, err := factory(conn)
	if err != nil {
		return nil, fmt.Errorf("open dedicated channel: %w", err)
	}

	if ch == nil {
		return nil, ErrChannelUnavailable
	}

	return ch, nil
}

// ChannelSnapshot returns the current primary channel without reconnecting.
func (rc *Connection) ChannelSnapshot() *amqp.Channel {
	if rc == nil {
		return nil
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	return rc.Channel
}

// HealthCheckContext probes the management API health endpoint.
func (rc *Connection) HealthCheckContext(ctx context.Context) (bool, error) {
	if rc == nil {
		return false, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rc.mu.Lock()
	rc.applyDefaults()
	healthURL := rc.HealthCheckURL
	user := rc.User
	pass := rc.Pass
	client := rc.healthHTTPClient
	logger := rc.logger()
	rc.mu.Unlock()

	if !healthCheck(ctx, healthURL, user, pass, client, logger) {
		return false, errors.New("rabbitmq health check failed")
	}

	return true, nil
}

// Close closes the channel and connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	channel := rc.Channel
	connection := rc.Connection
	rc.Connection = nil
	rc.Channel = nil
	rc.Connected = false
	logger := rc.logger()
	rc.mu.Unlock()

	var closeErr error

	if channel != nil && !channel.IsClosed() {
		if err := channel.Close(); err != nil {
			closeErr = fmt.Errorf("failed to close rabbitmq channel: %w", err)
			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq channel", log.Err(err))
		}
	}

	if connection != nil && !connection.IsClosed() {
		if err := connection.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("failed to close rabbitmq connection: %w", err))
			logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		}
	}

	return closeErr
}

func (rc *Connection) applyDefaults() {
	if rc.dialer == nil {
		rc.dialer = func(_ context.Context, connectionString string) (*amqp.Connection, error) {
			return amqp.Dial(connectionString)
		}
	}

	if rc.connectionCloser == nil {
		rc.connectionCloser = func(connection *amqp.Connection) error {
			if connection == nil || connection.IsClosed() {
				return nil
			}

			return connection.Close()
		}
	}

	if rc.channelFactory == nil {
		rc.channelFactory = func(connection *amqp.Connection) (*amqp.Channel, error) {
			if connection == nil {
				return nil, errors.New("cannot create channel: connection is nil")
			}

			return connection.Channel()
		}
	}

	if rc.connectionClosedFn == nil {
		rc.connectionClosedFn = func(connection *amqp.Connection) bool {
			return connection == nil || connection.IsClosed()
		}
	}

	if rc.channelClosedFn == nil {
		rc.channelClosedFn = func(ch *amqp.Channel) bool {
			return ch == nil || ch.IsClosed()
		}
	}

	if rc.healthHTTPClient == nil {
		rc.healthHTTPClient = &http.Client{Timeout: defaultHealthCheckTimeout}
	}
}

func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return &log.NopLogger{}
	}

	return rc.Logger
}

func closeQuietly(conn *amqp.Connection, closer func(*amqp.Connection) error, logger log.Logger) {
	if conn == nil || closer == nil {
		return
	}

	if err := closer(conn); err != nil {
		logger.Log(context.Background(), log.LevelWarn, "failed to close rabbitmq connection during cleanup", log.Err(err))
	}
}

func healthCheck(ctx context.Context, rawHealthURL, user, pass string, client *http.Client, logger log.Logger) bool {
	healthURL, err := validateHealthCheckURL(rawHealthURL)
	if err != nil {
		logger.Log(ctx, log.LevelError, "invalid rabbitmq health check URL", log.Err(err))

		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create rabbitmq health check request", log.Err(err))

		return false
	}

	req.SetBasicAuth(user, pass)

	if client == nil {
		client = &http.Client{Timeout: defaultHealthCheckTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to execute rabbitmq health check request", log.Err(err))

		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Log(ctx, log.LevelError, "rabbitmq health check failed", log.String("status", resp.Status))

		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to read rabbitmq health check response", log.Err(err))

		return false
	}

	var result map[string]any

	if err := json.Unmarshal(body, &result); err != nil {
		logger.Log(ctx, log.LevelError, "failed to parse rabbitmq health check response", log.Err(err))

		return false
	}

	if status, ok := result["status"].(string); ok && status == "ok" {
		return true
	}

	logger.Log(ctx, log.LevelError, "rabbitmq is not healthy")

	return false
}

// validateHealthCheckURL normalizes the management API base URL and appends
// the alarms health endpoint when missing. The URL comes from trusted
// configuration; no host allowlisting happens here.
func validateHealthCheckURL(rawURL string) (string, error) {
	healthURL := strings.TrimSpace(rawURL)
	if healthURL == "" {
		return "", errors.New("rabbitmq health check URL is empty")
	}

	parsedURL, err := url.Parse(healthURL)
	if err != nil {
		return "", err
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", errors.New("rabbitmq health check URL must use http or https")
	}

	if parsedURL.Host == "" {
		return "", errors.New("rabbitmq health check URL must include a host")
	}

	if parsedURL.User != nil {
		return "", errors.New("rabbitmq health check URL must not include user credentials")
	}

	const healthPath = "/api/health/checks/alarms"

	normalized := strings.TrimSuffix(parsedURL.String(), "/")
	if strings.HasSuffix(normalized, healthPath) {
		return normalized, nil
	}

	return normalized + healthPath, nil
}

// sanitizedError wraps an original error with a credential-redacted
// message. Unwrap returns the original so errors.Is still works.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := strings.ReplaceAll(err.Error(), connectionString, redactedURL)
	errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)

	// The decoded password can leak on its own when the URL carried
	// URL-encoded special characters.
	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string. An empty
// vhost means the default vhost "/". Special characters in user, password,
// and vhost are URL-encoded; bare IPv6 hosts are bracketed.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// QueryEscape rather than PathEscape because vhost names may
		// contain '/', which must appear as %2F.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
