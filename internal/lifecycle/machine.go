// Package lifecycle implements the user engagement state machine as a pure
// transition function over tagged trigger variants. It has no storage or
// transport dependencies; the router applies its results.
package lifecycle

// Status is a user's position in the engagement funnel.
type Status string

const (
	StatusFree       Status = "free"
	StatusHooked     Status = "hooked"
	StatusConverting Status = "converting"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusChurned    Status = "churned"
)

// SubscriptionStatus mirrors the billing provider's subscription state.
type SubscriptionStatus string

const (
	SubNone     SubscriptionStatus = "none"
	SubTrialing SubscriptionStatus = "trialing"
	SubActive   SubscriptionStatus = "active"
	SubPastDue  SubscriptionStatus = "past_due"
	SubCanceled SubscriptionStatus = "canceled"
)

// EventType is the closed set of analytics events a transition may emit.
type EventType string

const (
	EventFirstMessage         EventType = "first_message"
	EventEngaged              EventType = "engaged"
	EventHookSent             EventType = "hook_sent"
	EventPaymentStarted       EventType = "payment_started"
	EventPaymentCompleted     EventType = "payment_completed"
	EventChurned              EventType = "churned"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventPaymentFailed        EventType = "payment_failed"
)

// Trigger is a tagged variant consumed by Transition.
type Trigger interface {
	isTrigger()
}

// MessageReceived fires on every inbound message. NewFreeCount is the
// free-message counter after the router's atomic increment; MaxFree is the
// persona's free-tier threshold.
type MessageReceived struct {
	NewFreeCount int
	MaxFree      int
}

// PaymentStarted fires when the billing provider reports checkout begun.
type PaymentStarted struct{}

// PaymentCompleted fires on trial start or first successful payment.
type PaymentCompleted struct {
	Subscription SubscriptionStatus // trialing or active
}

// SubscriptionLapsed fires when the subscription moves to a recoverable
// non-active state such as past_due.
type SubscriptionLapsed struct{}

// SubscriptionCanceled fires on explicit cancellation or expiry.
type SubscriptionCanceled struct {
	Reason string
}

// PaymentFailed fires on a failed charge. Terminal failures churn the user;
// recoverable ones pause.
type PaymentFailed struct {
	Terminal bool
	Reason   string
}

func (MessageReceived) isTrigger()      {}
func (PaymentStarted) isTrigger()       {}
func (PaymentCompleted) isTrigger()     {}
func (SubscriptionLapsed) isTrigger()   {}
func (SubscriptionCanceled) isTrigger() {}
func (PaymentFailed) isTrigger()        {}

// Result describes a transition outcome. Changed is false when the trigger
// leaves the status untouched; callers must not emit events or rewrite
// status fields in that case.
type Result struct {
	Status       Status
	Subscription SubscriptionStatus
	SetSub       bool // Subscription field carries a new value
	Changed      bool
	Events       []EventType
	ChurnReason  string
}

// Normalize maps unknown or unset statuses to free. Treating garbage as the
// safest tier means a half-written row can never block conversation.
func Normalize(s Status) Status {
	switch s {
	case StatusFree, StatusHooked, StatusConverting, StatusActive, StatusPaused, StatusChurned:
		return s
	default:
		return StatusFree
	}
}

// Transition evaluates one trigger against the current status. It is pure:
// counters are incremented by the caller before evaluation, and side effects
// are returned as instructions, never executed here.
func Transition(current Status, trig Trigger) Result {
	current = Normalize(current)
	res := Result{Status: current}

	switch t := trig.(type) {
	case MessageReceived:
		if current == StatusFree && t.MaxFree > 0 && t.NewFreeCount >= t.MaxFree {
			res.Status = StatusHooked
			res.Changed = true
			res.Events = append(res.Events, EventHookSent)
		}

	case PaymentStarted:
		// Entry point for the external checkout flow; converting can begin
		// from free as well when a user pays before hitting the threshold.
		if current == StatusFree || current == StatusHooked {
			res.Status = StatusConverting
			res.Changed = true
			res.Events = append(res.Events, EventPaymentStarted)
		}

	case PaymentCompleted:
		if current == StatusChurned {
			break
		}
		sub := t.Subscription
		if sub != SubTrialing {
			sub = SubActive
		}
		if current != StatusActive {
			res.Status = StatusActive
			res.Changed = true
			res.Events = append(res.Events, EventPaymentCompleted)
		}
		res.Subscription = sub
		res.SetSub = true

	case SubscriptionLapsed:
		if current == StatusActive {
			res.Status = StatusPaused
			res.Changed = true
			res.Subscription = SubPastDue
			res.SetSub = true
		}

	case SubscriptionCanceled:
		if current == StatusActive || current == StatusPaused || current == StatusConverting {
			res.Status = StatusChurned
			res.Changed = true
			res.Subscription = SubCanceled
			res.SetSub = true
			res.ChurnReason = t.Reason
			if res.ChurnReason == "" {
				res.ChurnReason = "subscription_canceled"
			}
			res.Events = append(res.Events, EventSubscriptionCanceled, EventChurned)
		}

	case PaymentFailed:
		if current != StatusActive && current != StatusPaused {
			break
		}
		res.Events = append(res.Events, EventPaymentFailed)
		if t.Terminal {
			res.Status = StatusChurned
			res.Changed = true
			res.Subscription = SubCanceled
			res.SetSub = true
			res.ChurnReason = t.Reason
			if res.ChurnReason == "" {
				res.ChurnReason = "payment_failed"
			}
			res.Events = append(res.Events, EventChurned)
		} else if current == StatusActive {
			res.Status = StatusPaused
			res.Changed = true
			res.Subscription = SubPastDue
			res.SetSub = true
		}
	}

	return res
}

// ConsistentWith reports whether a status/subscription pair satisfies the
// invariant: active users must hold a live subscription, churned users must
// not.
func ConsistentWith(s Status, sub SubscriptionStatus) bool {
	switch Normalize(s) {
	case StatusActive:
		return sub == SubTrialing || sub == SubActive
	case StatusChurned:
		return sub == SubCanceled || sub == SubNone
	default:
		return true
	}
}

// FullAccess reports whether the status grants the full reply policy. Hooked
// users keep full generation for now; the router branches on this so feature
// gating has a seam without changing call sites.
func FullAccess(s Status) bool {
	switch Normalize(s) {
	case StatusPaused, StatusChurned:
		return false
	default:
		return true
	}
}
