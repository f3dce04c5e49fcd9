package extensions

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	spy "github.com/pumped-fn/pumped-spy"
)

const tracerName = "github.com/pumped-fn/pumped-spy/extensions"

// TracingPlugin opens one span per subscription, from subscribe to
// unsubscribe. A subscription's span is a child of its sink's span, so a
// trace follows the subscription graph. Notifications become span events.
type TracingPlugin struct {
	spy.BasePlugin
	spy    *spy.Spy
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*spy.SubscriptionRef]trace.Span
}

// NewTracingPlugin creates a tracing plugin. A nil provider uses the global
// one.
func NewTracingPlugin(tp trace.TracerProvider) *TracingPlugin {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingPlugin{
		BasePlugin: spy.NewBasePlugin("tracing"),
		tracer:     tp.Tracer(tracerName),
		spans:      make(map[*spy.SubscriptionRef]trace.Span),
	}
}

func (p *TracingPlugin) Init(s *spy.Spy) error {
	p.spy = s
	return nil
}

// BeforeSubscribe starts ref's span before the subscribe action runs, so
// sources subscribed by the action find it as their parent.
func (p *TracingPlugin) BeforeSubscribe(ref *spy.SubscriptionRef) {
	ctx := context.Background()
	if parent := p.sinkSpan(ref); parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	attrs := []attribute.KeyValue{
		attribute.String("spy.id", p.spy.ID()),
		attribute.Int64("subscription.id", int64(ref.ID())),
		attribute.Int64("subscription.tick", int64(ref.Tick())),
	}
	name := "subscription"
	if stream := ref.Stream(); stream != nil {
		attrs = append(attrs,
			attribute.Int64("stream.id", int64(stream.ID)),
			attribute.String("stream.type", stream.Info.Type),
			attribute.String("stream.path", stream.Info.Path),
		)
		if stream.Info.Tag != "" {
			attrs = append(attrs, attribute.String("stream.tag", stream.Info.Tag))
		}
		if stream.Info.Type != "" {
			name = stream.Info.Type
		}
	}

	_, span := p.tracer.Start(ctx, name,
		trace.WithTimestamp(ref.Timestamp()),
		trace.WithAttributes(attrs...),
	)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.spans[ref] = span
}

func (p *TracingPlugin) AfterNext(ref *spy.SubscriptionRef, value any) {
	if span := p.span(ref); span != nil {
		span.AddEvent("next", p.eventOptions(ref, attribute.String("value", fmt.Sprint(value)))...)
	}
}

func (p *TracingPlugin) AfterError(ref *spy.SubscriptionRef, err error) {
	if span := p.span(ref); span != nil {
		span.RecordError(err, trace.WithTimestamp(ref.Timestamp()))
		span.SetStatus(codes.Error, err.Error())
	}
}

func (p *TracingPlugin) AfterComplete(ref *spy.SubscriptionRef) {
	if span := p.span(ref); span != nil {
		span.AddEvent("complete", p.eventOptions(ref)...)
		span.SetStatus(codes.Ok, "")
	}
}

func (p *TracingPlugin) AfterUnsubscribe(ref *spy.SubscriptionRef) {
	p.mu.Lock()
	span, ok := p.spans[ref]
	delete(p.spans, ref)
	p.mu.Unlock()

	if ok {
		span.End(trace.WithTimestamp(ref.Timestamp()))
	}
}

// Dispose ends the spans of subscriptions that are still open
func (p *TracingPlugin) Dispose(s *spy.Spy) error {
	p.mu.Lock()
	spans := p.spans
	p.spans = make(map[*spy.SubscriptionRef]trace.Span)
	p.mu.Unlock()

	now := s.Clock().Now()
	for _, span := range spans {
		span.End(trace.WithTimestamp(now))
	}
	return nil
}

func (p *TracingPlugin) span(ref *spy.SubscriptionRef) trace.Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spans[ref]
}

func (p *TracingPlugin) sinkSpan(ref *spy.SubscriptionRef) trace.Span {
	graph, ok := spy.Find[*spy.GraphPlugin](p.spy)
	if !ok {
		return nil
	}
	g, ok := graph.Graph(ref)
	if !ok || g.Sink == nil {
		return nil
	}
	return p.span(g.Sink)
}

func (p *TracingPlugin) eventOptions(ref *spy.SubscriptionRef, attrs ...attribute.KeyValue) []trace.EventOption {
	attrs = append(attrs, attribute.Int64("tick", int64(ref.Tick())))
	return []trace.EventOption{
		trace.WithTimestamp(ref.Timestamp()),
		trace.WithAttributes(attrs...),
	}
}
