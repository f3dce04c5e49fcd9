package extensions

import (
	"log/slog"

	spy "github.com/pumped-fn/pumped-spy"
)

// LoggingPlugin logs every notification at debug level
type LoggingPlugin struct {
	spy.BasePlugin
	logger *slog.Logger
}

// NewLoggingPlugin creates a new logging plugin
func NewLoggingPlugin(logHandler slog.Handler) *LoggingPlugin {
	return &LoggingPlugin{
		BasePlugin: spy.NewBasePlugin("logging"),
		logger:     slog.New(logHandler),
	}
}

func (p *LoggingPlugin) AfterSubscribe(ref *spy.SubscriptionRef) {
	attrs := p.attrs(ref)
	if stream := ref.Stream(); stream != nil {
		attrs = append(attrs, "stream", stream.ID, "type", stream.Info.Type, "path", stream.Info.Path)
		if stream.Info.Tag != "" {
			attrs = append(attrs, "tag", stream.Info.Tag)
		}
	}
	p.logger.Debug("subscribed", attrs...)
}

func (p *LoggingPlugin) AfterNext(ref *spy.SubscriptionRef, value any) {
	p.logger.Debug("next", append(p.attrs(ref), "value", value)...)
}

func (p *LoggingPlugin) AfterError(ref *spy.SubscriptionRef, err error) {
	p.logger.Debug("error", append(p.attrs(ref), "error", err)...)
}

func (p *LoggingPlugin) AfterComplete(ref *spy.SubscriptionRef) {
	p.logger.Debug("complete", p.attrs(ref)...)
}

func (p *LoggingPlugin) AfterUnsubscribe(ref *spy.SubscriptionRef) {
	p.logger.Debug("unsubscribed", p.attrs(ref)...)
}

func (p *LoggingPlugin) attrs(ref *spy.SubscriptionRef) []any {
	return []any{"subscription", ref.ID(), "tick", ref.Tick()}
}
