package slack

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ffaiyaz23/cockpitrelay/internal/backend"
	"github.com/ffaiyaz23/cockpitrelay/internal/consumer"
)

// Persona is the developer message sent with every Slack question, the same
// onboard-AI instructions the cockpit UI uses.
const Persona = `You are the AI assistant for the SpaceX Dragon capsule. You have access to technical information about the spacecraft, mission data, and can provide real-time telemetry. You should respond in a professional but friendly manner, as if you're the spacecraft's onboard AI. You can discuss technical specifications of the Dragon capsule, current mission status and trajectory, life support and environmental systems, navigation and docking procedures, and emergency protocols. Keep responses concise but informative.`

const (
	placeholderText = "🛰️ Establishing uplink…"
	failureText     = "⚠ Uplink lost. Please try again."
	postInterval    = 50 * time.Millisecond
)

// messenger is the subset of the Slack Web API the pipeline needs.
type messenger interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
}

// streamer is satisfied by *consumer.Client.
type streamer interface {
	Stream(ctx context.Context, req backend.ChatRequest, onUpdate func(text string)) (string, error)
}

// workItem is a single mention to answer.
type workItem struct {
	ctx     context.Context
	channel string
	ts      string
	user    string
	query   string
}

// updateItem is the accumulated answer (plus final flag) to post back.
type updateItem struct {
	channel string
	ts      string
	text    string
	final   bool
}

var tracer = otel.Tracer("cockpitrelay/slack")

// Options configure the Slack front-end.
type Options struct {
	BotToken   string
	PoolSize   int
	StreamMode string // "update" or "thread"
	RelayURL   string
	Logger     *zap.Logger
}

// Client orchestrates dispatcher → worker pool → poster. Workers read answers
// through the relay's public /api/chat contract.
type Client struct {
	api        messenger
	relay      streamer
	workCh     chan workItem
	updateCh   chan updateItem
	poolSize   int
	streamMode string
	logger     *zap.Logger
}

// New constructs the Slack pipeline. Call Run to start its goroutines.
func New(opts Options) *Client {
	return newClient(slack.New(opts.BotToken), consumer.NewClient(opts.RelayURL, nil), opts)
}

func newClient(api messenger, relay streamer, opts Options) *Client {
	poolSize := opts.PoolSize
	if poolSize < 1 {
		poolSize = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:        api,
		relay:      relay,
		workCh:     make(chan workItem, poolSize),
		updateCh:   make(chan updateItem, poolSize*2),
		poolSize:   poolSize,
		streamMode: opts.StreamMode,
		logger:     logger,
	}
}

// Run starts the poster and worker pool. They stop when ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	go c.startPoster(ctx)
	for i := 0; i < c.poolSize; i++ {
		go c.startWorker(ctx)
	}
}

// handleAppMention posts a placeholder and enqueues the mention.
func (c *Client) handleAppMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	ctx, span := tracer.Start(ctx, "ProcessAppMention",
		trace.WithAttributes(
			attribute.String("slack.user_id", ev.User),
			attribute.String("slack.channel_id", ev.Channel),
		),
	)
	defer span.End()

	logger := c.logger.With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	)

	query := StripLeadingMention(ev.Text)
	if query == "" {
		return
	}

	channelID, ts, err := c.api.PostMessage(ev.Channel, slack.MsgOptionText(placeholderText, false))
	if err != nil {
		span.RecordError(err)
		logger.Error("failed to post placeholder", zap.Error(err))
		return
	}

	// Detach from the Events API request: Slack expects an answer within 3s.
	wi := workItem{
		ctx:     trace.ContextWithSpan(context.Background(), span),
		channel: channelID, ts: ts, user: ev.User, query: query,
	}
	select {
	case c.workCh <- wi:
		logger.Info("enqueued mention", zap.String("channel", channelID), zap.String("ts", ts))
	default:
		logger.Warn("worker pool saturated, dropping mention", zap.String("channel", channelID))
		if _, _, _, err := c.api.UpdateMessage(channelID, ts, slack.MsgOptionText(failureText, false)); err != nil {
			logger.Error("message update error", zap.Error(err))
		}
	}
}

// startWorker streams each mention's answer from the relay and emits
// updateItems as the text grows.
func (c *Client) startWorker(ctx context.Context) {
	for {
		var wi workItem
		select {
		case <-ctx.Done():
			return
		case wi = <-c.workCh:
		}

		sctx, span := tracer.Start(wi.ctx, "StreamFromRelay",
			trace.WithAttributes(attribute.String("slack.user_id", wi.user)),
		)
		sctx, cancel := context.WithCancel(sctx)
		stop := context.AfterFunc(ctx, cancel)

		full, err := c.relay.Stream(sctx, backend.ChatRequest{
			DeveloperMessage: Persona,
			UserMessage:      wi.query,
		}, func(text string) {
			if c.streamMode == "update" {
				c.emit(ctx, updateItem{channel: wi.channel, ts: wi.ts, text: text})
			}
		})
		stop()
		cancel()

		if err != nil {
			span.RecordError(err)
			c.logger.Error("relay stream error", zap.Error(err), zap.String("channel", wi.channel))
			if full == "" {
				full = failureText
			}
		}
		span.End()
		c.emit(ctx, updateItem{channel: wi.channel, ts: wi.ts, text: full, final: true})
	}
}

func (c *Client) emit(ctx context.Context, ui updateItem) {
	select {
	case c.updateCh <- ui:
	case <-ctx.Done():
	}
}

// startPoster serializes updateItems back to Slack. In thread mode only the
// final answer is posted, as a reply under the placeholder.
func (c *Client) startPoster(ctx context.Context) {
	for {
		var ui updateItem
		select {
		case <-ctx.Done():
			return
		case ui = <-c.updateCh:
		}

		_, span := tracer.Start(ctx, "PostSlackUpdate",
			trace.WithAttributes(attribute.Bool("chunk_final", ui.final)),
		)
		if c.streamMode == "thread" {
			if ui.final {
				if _, _, err := c.api.PostMessage(ui.channel,
					slack.MsgOptionText(ui.text, false),
					slack.MsgOptionTS(ui.ts),
				); err != nil {
					span.RecordError(err)
					c.logger.Error("threaded post error", zap.Error(err))
				}
			}
		} else {
			if _, _, _, err := c.api.UpdateMessage(ui.channel, ui.ts,
				slack.MsgOptionText(ui.text, false),
			); err != nil {
				span.RecordError(err)
				c.logger.Error("message update error", zap.Error(err))
			}
		}
		span.End()

		select {
		case <-ctx.Done():
			return
		case <-time.After(postInterval):
		}
	}
}

// EventsHandler returns an HTTP handler that:
// 1) verifies Slack signatures,
// 2) handles URLVerification challenges,
// 3) parses AppMention callbacks,
// 4) and dispatches them into the pipeline.
func (c *Client) EventsHandler(signingSecret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body error", http.StatusBadRequest)
			return
		}
		verifier, err := slack.NewSecretsVerifier(r.Header, signingSecret)
		if err != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		if _, err := verifier.Write(raw); err != nil {
			http.Error(w, "signature error", http.StatusInternalServerError)
			return
		}
		if err := verifier.Ensure(); err != nil {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		evt, err := slackevents.ParseEvent(raw, slackevents.OptionNoVerifyToken())
		if err != nil {
			http.Error(w, "parse event error", http.StatusBadRequest)
			return
		}
		switch evt.Type {
		case slackevents.URLVerification:
			var ch slackevents.ChallengeResponse
			if err := json.Unmarshal(raw, &ch); err != nil {
				http.Error(w, "parse challenge error", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(ch.Challenge))
			return
		case slackevents.CallbackEvent:
			// Slack retries deliveries it thinks timed out; answer them once.
			if r.Header.Get("X-Slack-Retry-Num") != "" {
				w.WriteHeader(http.StatusOK)
				return
			}
			if ev, ok := evt.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
				c.handleAppMention(r.Context(), ev)
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
