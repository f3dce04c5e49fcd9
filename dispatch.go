package spy

type phase int

const (
	phaseBefore phase = iota
	phaseAfter
)

var eventNames = map[Kind][2]string{
	KindSubscribe:   {"beforeSubscribe", "afterSubscribe"},
	KindNext:        {"beforeNext", "afterNext"},
	KindError:       {"beforeError", "afterError"},
	KindComplete:    {"beforeComplete", "afterComplete"},
	KindUnsubscribe: {"beforeUnsubscribe", "afterUnsubscribe"},
}

func (s *Spy) subscribe(fs *frameStack, ref *SubscriptionRef, action func()) {
	if !s.bind(fs, ref) {
		action()
		return
	}
	s.dispatch(fs, Notification{Kind: KindSubscribe, Ref: ref}, func(Notification) {
		action()
	})
}

func (s *Spy) next(fs *frameStack, ref *SubscriptionRef, value any, action func(value any)) {
	if !ref.ownedBy(s) {
		action(value)
		return
	}
	s.dispatch(fs, Notification{Kind: KindNext, Ref: ref, Value: value}, func(n Notification) {
		action(n.Value)
	})
}

func (s *Spy) raise(fs *frameStack, ref *SubscriptionRef, err error, action func(err error)) {
	if !ref.ownedBy(s) {
		action(err)
		return
	}
	s.dispatch(fs, Notification{Kind: KindError, Ref: ref, Err: err}, func(n Notification) {
		action(n.Err)
	})
}

func (s *Spy) complete(fs *frameStack, ref *SubscriptionRef, action func()) {
	if !ref.ownedBy(s) {
		action()
		return
	}
	s.dispatch(fs, Notification{Kind: KindComplete, Ref: ref}, func(Notification) {
		action()
	})
}

func (s *Spy) unsubscribe(fs *frameStack, ref *SubscriptionRef, action func()) {
	ref.mu.Lock()
	owned := ref.owner == s
	repeated := ref.unsubscribeRequested
	ref.unsubscribeRequested = true
	ref.mu.Unlock()

	if repeated {
		return
	}
	if !owned {
		action()
		return
	}
	s.dispatch(fs, Notification{Kind: KindUnsubscribe, Ref: ref}, func(Notification) {
		action()
	})
	if !s.keepsHistory() {
		s.registry.release(ref)
	}
}

// bind claims ref for this spy and resolves its identities. Refs already
// claimed, by this spy or an earlier one, are not tracked again.
func (s *Spy) bind(fs *frameStack, ref *SubscriptionRef) bool {
	ref.mu.Lock()
	defer ref.mu.Unlock()

	if ref.owner != nil {
		s.logger.Debug("subscription already tracked", "subscription", ref.id)
		return false
	}
	ref.owner = s
	ref.frames = fs
	ref.id = s.registry.nextID()
	ref.stream, ref.sub = s.registry.acquire(ref.observable, ref.subscriber, ref.info)
	return true
}

// dispatch runs the two-phase protocol for one notification: stamp the tick,
// run the ref's transforms, call every Before hook, perform the action, apply
// its effect to the ref, then call every After hook.
func (s *Spy) dispatch(fs *frameStack, n Notification, action func(Notification)) {
	n.Tick = s.nextTick()
	n.Ref.stamp(n.Kind, n.Tick, s.clock.Now())

	plugins, version := s.pluginSet()

	fs.push(frame{kind: n.Kind, ref: n.Ref, tick: n.Tick})
	defer fs.pop(n.Tick)

	chain := s.transforms(n.Ref, plugins, version)
	if n.Kind != KindSubscribe && n.Kind != KindUnsubscribe {
		n = s.applyTransforms(chain, n)
	}

	var failed []bool
	for i, p := range plugins {
		if !s.call(p, phaseBefore, n) {
			if failed == nil {
				failed = make([]bool, len(plugins))
			}
			failed[i] = true
		}
	}

	action(n)

	if n.Kind == KindUnsubscribe {
		n.Ref.mu.Lock()
		n.Ref.unsubscribed = true
		n.Ref.mu.Unlock()
	}

	for i, p := range plugins {
		if failed != nil && failed[i] {
			continue
		}
		s.call(p, phaseAfter, n)
	}
}

// call invokes one hook and reports whether it returned normally.
func (s *Spy) call(p Plugin, ph phase, n Notification) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(p, eventNames[n.Kind][ph], n, r)
			ok = false
		}
	}()

	ref := n.Ref
	switch n.Kind {
	case KindSubscribe:
		if ph == phaseBefore {
			p.BeforeSubscribe(ref)
		} else {
			p.AfterSubscribe(ref)
		}
	case KindNext:
		if ph == phaseBefore {
			p.BeforeNext(ref, n.Value)
		} else {
			p.AfterNext(ref, n.Value)
		}
	case KindError:
		if ph == phaseBefore {
			p.BeforeError(ref, n.Err)
		} else {
			p.AfterError(ref, n.Err)
		}
	case KindComplete:
		if ph == phaseBefore {
			p.BeforeComplete(ref)
		} else {
			p.AfterComplete(ref)
		}
	case KindUnsubscribe:
		if ph == phaseBefore {
			p.BeforeUnsubscribe(ref)
		} else {
			p.AfterUnsubscribe(ref)
		}
	}
	return true
}

func (s *Spy) fail(p Plugin, event string, n Notification, recovered any) {
	err := newPluginError(p.Name(), event, n.Tick, recovered)
	s.failures.Add(1)
	s.logger.Error("plugin failed",
		"plugin", p.Name(),
		"event", event,
		"tick", n.Tick,
		"subscription", n.Ref.ID(),
		"error", err,
	)
}

// transforms returns ref's transform chain, selecting it again when the
// plugin set changed since it was last built.
func (s *Spy) transforms(ref *SubscriptionRef, plugins []Plugin, version uint64) []selected {
	ref.mu.Lock()
	if ref.chainBuilt && ref.chainVersion == version {
		chain := ref.chain
		ref.mu.Unlock()
		return chain
	}
	ref.mu.Unlock()

	var chain []selected
	for _, p := range plugins {
		if t := s.selectTransform(p, ref); t != nil {
			chain = append(chain, selected{plugin: p, transform: t})
		}
	}

	ref.mu.Lock()
	ref.chain = chain
	ref.chainVersion = version
	ref.chainBuilt = true
	ref.mu.Unlock()
	return chain
}

func (s *Spy) selectTransform(p Plugin, ref *SubscriptionRef) (t Transform) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(p, "select", Notification{Ref: ref, Tick: ref.Tick()}, r)
			t = nil
		}
	}()
	return p.Select(ref)
}

func (s *Spy) applyTransforms(chain []selected, n Notification) Notification {
	for _, sel := range chain {
		n = s.applyTransform(sel, n)
	}
	return n
}

func (s *Spy) applyTransform(sel selected, n Notification) (out Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.fail(sel.plugin, "transform", n, r)
			out = n
		}
	}()
	out = sel.transform(n)
	out.Kind, out.Ref, out.Tick = n.Kind, n.Ref, n.Tick
	return out
}
