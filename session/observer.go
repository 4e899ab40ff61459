package session

import "time"

// Observer receives session lifecycle signals. metrics.Collector satisfies it.
type Observer interface {
	ActionPerformed(action, role, outcome string)
	PersistObserved(d time.Duration, outcome string)
	PushReceived(applied bool)
	SessionOpened()
	SessionClosed()
}

type nopObserver struct{}

func (nopObserver) ActionPerformed(string, string, string) {}
func (nopObserver) PersistObserved(time.Duration, string)  {}
func (nopObserver) PushReceived(bool)                      {}
func (nopObserver) SessionOpened()                         {}
func (nopObserver) SessionClosed()                         {}
