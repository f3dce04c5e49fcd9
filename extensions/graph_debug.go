package extensions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	spy "github.com/pumped-fn/pumped-spy"
)

// GraphDebugPlugin logs the subscription graph around a subscription that
// receives an error notification.
//
// Usage:
//
//	// Human-readable formatted output (with line breaks)
//	handler := extensions.NewHumanHandler(os.Stdout, slog.LevelError)
//	plugin := extensions.NewGraphDebugPlugin(handler)
//
//	// Structured JSON logging (compact, machine-readable)
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	plugin := extensions.NewGraphDebugPlugin(handler)
//
//	// Silent (for testing)
//	plugin := extensions.NewGraphDebugPlugin(extensions.NewSilentHandler())
//
// The plugin logs at ERROR level and needs the spy's GraphPlugin.
type GraphDebugPlugin struct {
	spy.BasePlugin
	spy *spy.Spy

	mu        sync.Mutex
	completed map[*spy.SubscriptionRef]bool
	failed    map[*spy.SubscriptionRef]error
	logger    *slog.Logger
}

// NewGraphDebugPlugin creates a new graph debug plugin.
// logHandler: slog.Handler for logging (use HumanHandler for formatted output, or any other slog.Handler)
func NewGraphDebugPlugin(logHandler slog.Handler) *GraphDebugPlugin {
	return &GraphDebugPlugin{
		BasePlugin: spy.NewBasePlugin("graph-debug"),
		completed:  make(map[*spy.SubscriptionRef]bool),
		failed:     make(map[*spy.SubscriptionRef]error),
		logger:     slog.New(logHandler),
	}
}

func (p *GraphDebugPlugin) Init(s *spy.Spy) error {
	p.spy = s
	return nil
}

func (p *GraphDebugPlugin) AfterComplete(ref *spy.SubscriptionRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed[ref] = true
}

// AfterError logs the sink chain and the graph below its root
func (p *GraphDebugPlugin) AfterError(ref *spy.SubscriptionRef, err error) {
	p.mu.Lock()
	p.failed[ref] = err
	p.mu.Unlock()

	graph, ok := spy.Find[*spy.GraphPlugin](p.spy)
	if !ok {
		p.logger.Error("Subscription Error",
			"subscription", p.name(ref),
			"error", err.Error(),
			"tick", ref.Tick(),
		)
		return
	}

	p.logger.Error("Subscription Error",
		"subscription", p.name(ref),
		"error", err.Error(),
		"tick", ref.Tick(),
		"sink_chain", p.formatSinkChain(graph, ref),
		"subscription_graph", p.formatGraph(graph, ref, err),
	)
}

// AfterUnsubscribe forgets ref once it can no longer be part of a logged graph.
func (p *GraphDebugPlugin) AfterUnsubscribe(ref *spy.SubscriptionRef) {
	graph, ok := spy.Find[*spy.GraphPlugin](p.spy)
	if ok {
		if g, found := graph.Graph(ref); found && !g.Flushed {
			return
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.completed, ref)
	delete(p.failed, ref)
}

func (p *GraphDebugPlugin) Dispose(s *spy.Spy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.completed)
	clear(p.failed)
	return nil
}

func (p *GraphDebugPlugin) formatSinkChain(graph *spy.GraphPlugin, ref *spy.SubscriptionRef) string {
	names := []string{p.name(ref)}
	seen := map[*spy.SubscriptionRef]bool{ref: true}
	current := ref
	for {
		g, ok := graph.Graph(current)
		if !ok || g.Sink == nil || seen[g.Sink] {
			break
		}
		current = g.Sink
		seen[current] = true
		names = append(names, p.name(current))
	}
	return strings.Join(names, " -> ")
}

func (p *GraphDebugPlugin) formatGraph(graph *spy.GraphPlugin, failed *spy.SubscriptionRef, failedErr error) string {
	var sb strings.Builder

	root := failed
	if g, ok := graph.Graph(failed); ok && g.RootSink != nil {
		root = g.RootSink
	}

	sb.WriteString("\n")

	type entry struct {
		ref    *spy.SubscriptionRef
		prefix string
		last   bool
		merged bool
	}
	stack := []entry{{ref: root, last: true}}
	visited := make(map[*spy.SubscriptionRef]bool)

	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[current.ref] {
			continue
		}
		visited[current.ref] = true

		g, ok := graph.Graph(current.ref)
		if !ok {
			continue
		}

		branch := ""
		childPrefix := ""
		if current.ref != root {
			if current.last {
				branch = "└─> "
				childPrefix = current.prefix + "    "
			} else {
				branch = "├─> "
				childPrefix = current.prefix + "│   "
			}
		}

		label := p.name(current.ref) + p.status(current.ref, failed)
		if current.merged {
			label += " (merged)"
		}
		sb.WriteString(fmt.Sprintf("  %s%s%s\n", current.prefix, branch, label))

		children := make([]entry, 0, len(g.Sources)+len(g.Merges))
		for _, src := range g.Sources {
			children = append(children, entry{ref: src, prefix: childPrefix})
		}
		for _, m := range g.Merges {
			children = append(children, entry{ref: m, prefix: childPrefix, merged: true})
		}
		for i := len(children) - 1; i >= 0; i-- {
			children[i].last = i == len(children)-1
			stack = append(stack, children[i])
		}
	}

	if failedErr != nil {
		sb.WriteString("\nError Details:\n")
		sb.WriteString(fmt.Sprintf("  Subscription: %s\n", p.name(failed)))
		sb.WriteString(fmt.Sprintf("  Error: %v\n", failedErr))
	}

	return sb.String()
}

func (p *GraphDebugPlugin) status(ref, failed *spy.SubscriptionRef) string {
	if ref == failed {
		return " ❌ FAILED"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failed[ref]; ok {
		return fmt.Sprintf(" ❌ (error: %v)", err)
	}
	if p.completed[ref] {
		return " ✓"
	}
	if ref.Unsubscribed() {
		return " (unsubscribed)"
	}
	return " (active)"
}

func (p *GraphDebugPlugin) name(ref *spy.SubscriptionRef) string {
	if stream := ref.Stream(); stream != nil {
		switch {
		case stream.Info.Tag != "":
			return fmt.Sprintf("%s#%s", stream.Info.Tag, ref.ID())
		case stream.Info.Path != "":
			return fmt.Sprintf("%s#%s", stream.Info.Path, ref.ID())
		case stream.Info.Type != "":
			return fmt.Sprintf("%s#%s", stream.Info.Type, ref.ID())
		}
	}
	return fmt.Sprintf("Subscription_%s", ref.ID())
}

// SilentHandler is a slog.Handler that discards all log output
// Useful for testing when you don't want log output
type SilentHandler struct{}

// NewSilentHandler creates a new silent log handler
func NewSilentHandler() *SilentHandler {
	return &SilentHandler{}
}

func (h *SilentHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return false
}

func (h *SilentHandler) Handle(ctx context.Context, record slog.Record) error {
	return nil
}

func (h *SilentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *SilentHandler) WithGroup(name string) slog.Handler {
	return h
}

// HumanHandler is a slog.Handler that formats logs for human readability
// with proper line breaks and visual formatting (especially for subscription graphs)
type HumanHandler struct {
	writer io.Writer
	level  slog.Level
}

// NewHumanHandler creates a new human-readable log handler
func NewHumanHandler(writer io.Writer, level slog.Level) *HumanHandler {
	return &HumanHandler{
		writer: writer,
		level:  level,
	}
}

func (h *HumanHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *HumanHandler) Handle(ctx context.Context, record slog.Record) error {
	switch record.Message {
	case "Subscription Error":
		return h.handleSubscriptionError(record)
	case "plugin failed":
		return h.handlePluginFailure(record)
	}

	if _, err := fmt.Fprintf(h.writer, "[%s] %s\n", record.Level, record.Message); err != nil {
		return err
	}
	var writeErr error
	record.Attrs(func(a slog.Attr) bool {
		if _, err := fmt.Fprintf(h.writer, "  %s: %v\n", a.Key, a.Value); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	return writeErr
}

func (h *HumanHandler) handleSubscriptionError(record slog.Record) error {
	var subscription, errorMsg, tick, sinkChain, subscriptionGraph string

	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "subscription":
			subscription = a.Value.String()
		case "error":
			errorMsg = a.Value.String()
		case "tick":
			tick = a.Value.String()
		case "sink_chain":
			sinkChain = a.Value.String()
		case "subscription_graph":
			subscriptionGraph = a.Value.String()
		}
		return true
	})

	writes := []func() error{
		func() error { _, err := fmt.Fprintln(h.writer); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer, "[GraphDebug] Subscription Error"); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nFailed Subscription: %s\n", subscription); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Error: %s\n", errorMsg); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Tick: %s\n", tick); return err },
	}
	if sinkChain != "" {
		writes = append(writes,
			func() error { _, err := fmt.Fprintf(h.writer, "Sink Chain: %s\n", sinkChain); return err },
			func() error { _, err := fmt.Fprintf(h.writer, "\nSubscription Graph:%s", subscriptionGraph); return err },
		)
	}
	writes = append(writes,
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer); return err },
	)

	for _, write := range writes {
		if err := write(); err != nil {
			return err
		}
	}

	return nil
}

func (h *HumanHandler) handlePluginFailure(record slog.Record) error {
	var plugin, event, tick, errorMsg string
	var stackTrace []byte

	record.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "plugin":
			plugin = a.Value.String()
		case "event":
			event = a.Value.String()
		case "tick":
			tick = a.Value.String()
		case "error":
			errorMsg = a.Value.String()
			if err, ok := a.Value.Any().(error); ok {
				var pluginErr *spy.PluginError
				if errors.As(err, &pluginErr) {
					stackTrace = pluginErr.StackTrace
				}
			}
		}
		return true
	})

	writes := []func() error{
		func() error { _, err := fmt.Fprintln(h.writer); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer, "[GraphDebug] Plugin Failure"); return err },
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "\nPlugin: %s\n", plugin); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Event: %s\n", event); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Tick: %s\n", tick); return err },
		func() error { _, err := fmt.Fprintf(h.writer, "Error: %s\n", errorMsg); return err },
	}

	for _, write := range writes {
		if err := write(); err != nil {
			return err
		}
	}

	if len(stackTrace) > 0 {
		if _, err := fmt.Fprintf(h.writer, "\nStack Trace:\n%s\n", stackTrace); err != nil {
			return err
		}
	}

	finalWrites := []func() error{
		func() error { _, err := fmt.Fprintln(h.writer, strings.Repeat("=", 70)); return err },
		func() error { _, err := fmt.Fprintln(h.writer); return err },
	}

	for _, write := range finalWrites {
		if err := write(); err != nil {
			return err
		}
	}

	return nil
}

func (h *HumanHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *HumanHandler) WithGroup(name string) slog.Handler {
	return h
}
