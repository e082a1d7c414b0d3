package guard

import "sync"

// Class names the kind of action being serialized for an actor.
type Class string

const (
	ClassAccept Class = "accept"
	ClassReject Class = "reject"
	ClassCancel Class = "cancel"
	ClassEnd    Class = "end"
	ClassSettle Class = "settle"
)

// ActorLock suppresses duplicate concurrent invocations of the same action by the
// same actor inside one process (double clicks, client retries).
//
// It is a debounce, not a correctness mechanism: cross-process safety comes from
// the store's conditional updates.
type ActorLock struct {
	mu   sync.Mutex
	held map[key]struct{}
}

type key struct {
	actor string
	class Class
}

func NewActorLock() *ActorLock {
	return &ActorLock{held: make(map[key]struct{})}
}

// TryEnter marks (actorID, class) as in flight. It returns false if it already was.
func (l *ActorLock) TryEnter(actorID string, class Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{actor: actorID, class: class}
	if _, ok := l.held[k]; ok {
		return false
	}
	l.held[k] = struct{}{}
	return true
}

func (l *ActorLock) Leave(actorID string, class Class) {
	l.mu.Lock()
	delete(l.held, key{actor: actorID, class: class})
	l.mu.Unlock()
}

// Do runs fn while holding (actorID, class). If the pair is already held, fn is not
// run and ran is false. The pair is released on every exit path, panics included.
func (l *ActorLock) Do(actorID string, class Class, fn func() error) (ran bool, err error) {
	if !l.TryEnter(actorID, class) {
		return false, nil
	}
	defer l.Leave(actorID, class)
	return true, fn()
}

// Held reports whether (actorID, class) is currently in flight.
func (l *ActorLock) Held(actorID string, class Class) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key{actor: actorID, class: class}]
	return ok
}
