// Package mqttrpc serves verification requests received over MQTT and
// publishes the results to a per-request response topic.
package mqttrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/messages"
	"github.com/example/face-verify/internal/usecase"
)

const (
	codeCardImageRequired = "card_image_required"
	codeLiveImageRequired = "live_image_required"
	codeImageTooLarge     = "image_too_large"
)

// Config holds broker and topic settings.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	RequestTopic   string
	ResponsePrefix string
	QoS            byte
	RequestTimeout time.Duration
	// MaxImageBytes caps each decoded image, matching the HTTP upload limit.
	MaxImageBytes int64
}

// Verifier runs one verification.
type Verifier interface {
	Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.Outcome, error)
}

// Request is the JSON payload published on the request topic. Images are
// base64, optionally as data URLs.
type Request struct {
	RequestID  string `json:"requestId"`
	CardImage  string `json:"cardImage"`
	LiveImage  string `json:"liveImage"`
	ResponseTo string `json:"responseTo,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ErrorBody mirrors the HTTP error detail.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Response is published once per request.
type Response struct {
	RequestID string           `json:"requestId"`
	Result    *decision.Result `json:"result,omitempty"`
	Error     *ErrorBody       `json:"error,omitempty"`
}

// Server bridges MQTT requests to the verification use case.
type Server struct {
	cfg       Config
	verifier  Verifier
	localizer *messages.Localizer
	logger    *zap.Logger

	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New builds a server. Start connects it.
func New(cfg Config, verifier Verifier, localizer *messages.Localizer, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "face-verify-" + uuid.NewString()
	}
	cfg.ResponsePrefix = strings.TrimSuffix(cfg.ResponsePrefix, "/")
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		verifier:  verifier,
		localizer: localizer,
		logger:    logger.Named("mqtt_rpc"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start connects to the broker. The request topic is (re)subscribed on every
// connect so subscriptions survive reconnects.
func (s *Server) Start() error {
	opts := mqtt.NewClientOptions().AddBroker(s.cfg.Broker).SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(s.cfg.RequestTopic, s.cfg.QoS, s.onMessage)
		if token.Wait() && token.Error() != nil {
			s.logger.Error("subscribe failed", zap.String("topic", s.cfg.RequestTopic), zap.Error(token.Error()))
			return
		}
		s.logger.Info("subscribed", zap.String("topic", s.cfg.RequestTopic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	s.logger.Info("connecting to mqtt", zap.String("broker", s.cfg.Broker), zap.String("client_id", s.cfg.ClientID))
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return logging.NewOperationError("mqttrpc.connect", "", token.Error())
	}
	return nil
}

// Stop unsubscribes, waits for in-flight requests up to timeout and
// disconnects.
func (s *Server) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.client == nil {
		s.cancel()
		return
	}
	if token := s.client.Unsubscribe(s.cfg.RequestTopic); !token.WaitTimeout(timeout) {
		s.logger.Warn("unsubscribe timed out")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("in-flight mqtt requests did not finish before shutdown")
	}
	s.cancel()
	s.client.Disconnect(250)
}

func (s *Server) onMessage(c mqtt.Client, m mqtt.Message) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("dropping request received during shutdown", zap.String("topic", m.Topic()))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	payload := append([]byte(nil), m.Payload()...)
	go func() {
		defer s.wg.Done()
		s.handle(c, payload)
	}()
}

func (s *Server) handle(c mqtt.Client, payload []byte) {
	topic, resp := s.process(s.ctx, payload)
	if topic == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.String("request_id", resp.RequestID), zap.Error(err))
		return
	}
	token := c.Publish(topic, s.cfg.QoS, false, data)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("failed to publish response",
			zap.String("request_id", resp.RequestID),
			zap.String("topic", topic),
			zap.Error(token.Error()),
		)
		return
	}
	s.logger.Debug("response published", zap.String("request_id", resp.RequestID), zap.String("topic", topic))
}

// process runs one request and returns where to publish the response. An
// empty topic means the request cannot be answered.
func (s *Server) process(ctx context.Context, payload []byte) (string, Response) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("dropping malformed request", zap.Error(err), zap.Int("bytes", len(payload)))
		return "", Response{}
	}
	if req.RequestID == "" {
		if req.ResponseTo == "" {
			s.logger.Warn("dropping request without requestId or responseTo")
			return "", Response{}
		}
		req.RequestID = uuid.NewString()
	}
	topic := req.ResponseTo
	if topic == "" {
		topic = s.cfg.ResponsePrefix + "/" + req.RequestID
	}

	opLogger := logging.WithOperation(s.logger, "mqttrpc.verify", req.RequestID)
	resp := Response{RequestID: req.RequestID}

	card, code := decodeImage(req.CardImage, s.cfg.MaxImageBytes, codeCardImageRequired, usecase.CodeCardImageInvalid)
	if code == "" {
		var live []byte
		live, code = decodeImage(req.LiveImage, s.cfg.MaxImageBytes, codeLiveImageRequired, usecase.CodeLiveImageInvalid)
		if code == "" {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
			defer cancel()

			outcome, err := s.verifier.Verify(ctx, usecase.VerifyRequest{
				RequestID: req.RequestID,
				CardImage: card,
				LiveImage: live,
			})
			if err != nil {
				code = usecase.ErrorCode(err)
			} else {
				result := outcome.Verdict.Describe(s.localizer.Printer(req.Language))
				resp.Result = &result
			}
		}
	}

	if code != "" {
		resp.Error = &ErrorBody{
			Error:   code,
			Message: s.localizer.Text(req.Language, messages.ErrorKey(code)),
		}
		opLogger.Info("request answered with error", zap.String("code", code))
	}
	return topic, resp
}

var (
	errEmptyImage    = errors.New("empty image")
	errImageTooLarge = errors.New("image too large")
)

// decodeImage accepts plain base64 or a data URL of at most maxBytes
// decoded bytes.
func decodeImage(encoded string, maxBytes int64, missingCode, invalidCode string) ([]byte, string) {
	data, err := decodeBase64(encoded, maxBytes)
	switch {
	case errors.Is(err, errEmptyImage):
		return nil, missingCode
	case errors.Is(err, errImageTooLarge):
		return nil, codeImageTooLarge
	case err != nil:
		return nil, invalidCode
	}
	return data, ""
}

func decodeBase64(encoded string, maxBytes int64) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 || !strings.HasSuffix(encoded[:comma], ";base64") {
			return nil, fmt.Errorf("unsupported data url")
		}
		encoded = encoded[comma+1:]
	}
	if encoded == "" {
		return nil, errEmptyImage
	}
	// padding makes the estimate at most two bytes high
	if int64(base64.StdEncoding.DecodedLen(len(encoded))) > maxBytes+2 {
		return nil, errImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
	}
	if int64(len(data)) > maxBytes {
		return nil, errImageTooLarge
	}
	return data, nil
}
