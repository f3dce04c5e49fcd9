package spy

// Plugin observes lifecycle notifications. Every Before hook of a
// notification runs before the host's action, every After hook runs once the
// action's effects are visible. Hooks run in plugin registration order.
//
// Hooks must not block. A hook that panics is logged and skipped for the rest
// of that notification; the host's action always runs.
type Plugin interface {
	// Name returns the plugin's name
	Name() string

	// Init is called when the plugin is plugged into a spy
	Init(s *Spy) error

	// Select returns a transform to interpose on ref's notification path, or
	// nil. It is called at subscribe time and again after the plugin set
	// changes.
	Select(ref *SubscriptionRef) Transform

	BeforeSubscribe(ref *SubscriptionRef)
	AfterSubscribe(ref *SubscriptionRef)
	BeforeNext(ref *SubscriptionRef, value any)
	AfterNext(ref *SubscriptionRef, value any)
	BeforeError(ref *SubscriptionRef, err error)
	AfterError(ref *SubscriptionRef, err error)
	BeforeComplete(ref *SubscriptionRef)
	AfterComplete(ref *SubscriptionRef)
	BeforeUnsubscribe(ref *SubscriptionRef)
	AfterUnsubscribe(ref *SubscriptionRef)

	// Dispose is called when the plugin is unplugged or the spy torn down
	Dispose(s *Spy) error
}

// BasePlugin provides no-op implementations of every Plugin method except
// the ones embedding types care about.
type BasePlugin struct {
	name string
}

// NewBasePlugin creates a base plugin with the given name
func NewBasePlugin(name string) BasePlugin {
	return BasePlugin{name: name}
}

func (p *BasePlugin) Name() string {
	return p.name
}

func (p *BasePlugin) Init(s *Spy) error {
	return nil
}

func (p *BasePlugin) Select(ref *SubscriptionRef) Transform {
	return nil
}

func (p *BasePlugin) BeforeSubscribe(ref *SubscriptionRef)        {}
func (p *BasePlugin) AfterSubscribe(ref *SubscriptionRef)         {}
func (p *BasePlugin) BeforeNext(ref *SubscriptionRef, value any)  {}
func (p *BasePlugin) AfterNext(ref *SubscriptionRef, value any)   {}
func (p *BasePlugin) BeforeError(ref *SubscriptionRef, err error) {}
func (p *BasePlugin) AfterError(ref *SubscriptionRef, err error)  {}
func (p *BasePlugin) BeforeComplete(ref *SubscriptionRef)         {}
func (p *BasePlugin) AfterComplete(ref *SubscriptionRef)          {}
func (p *BasePlugin) BeforeUnsubscribe(ref *SubscriptionRef)      {}
func (p *BasePlugin) AfterUnsubscribe(ref *SubscriptionRef)       {}

func (p *BasePlugin) Dispose(s *Spy) error {
	return nil
}

// Kind is the kind of a lifecycle notification.
type Kind string

const (
	KindSubscribe   Kind = "subscribe"
	KindNext        Kind = "next"
	KindError       Kind = "error"
	KindComplete    Kind = "complete"
	KindUnsubscribe Kind = "unsubscribe"
)

// Notification is one lifecycle event as seen by transforms.
type Notification struct {
	Kind  Kind
	Ref   *SubscriptionRef
	Tick  uint64
	Value any
	Err   error
}

// Transform rewrites the payload of a next, error or complete notification
// before plugins and the host's action see it. Changing Kind has no effect.
type Transform func(n Notification) Notification

type selected struct {
	plugin    Plugin
	transform Transform
}
