package lifecycle

import "testing"

func TestThresholdTransition(t *testing.T) {
	// free_messages = 4, max = 5: the fifth message crosses the threshold.
	res := Transition(StatusFree, MessageReceived{NewFreeCount: 5, MaxFree: 5})
	if !res.Changed || res.Status != StatusHooked {
		t.Fatalf("expected hooked, got %+v", res)
	}
	if len(res.Events) != 1 || res.Events[0] != EventHookSent {
		t.Errorf("expected hook_sent event, got %v", res.Events)
	}

	// Subsequent messages keep the user hooked, no re-emission.
	res = Transition(StatusHooked, MessageReceived{NewFreeCount: 6, MaxFree: 5})
	if res.Changed || res.Status != StatusHooked {
		t.Errorf("hooked should be sticky, got %+v", res)
	}
	if len(res.Events) != 0 {
		t.Errorf("no events expected on repeat, got %v", res.Events)
	}
}

func TestBelowThresholdStaysFree(t *testing.T) {
	res := Transition(StatusFree, MessageReceived{NewFreeCount: 4, MaxFree: 5})
	if res.Changed || res.Status != StatusFree {
		t.Errorf("expected free unchanged, got %+v", res)
	}
}

func TestZeroMaxFreeNeverHooks(t *testing.T) {
	res := Transition(StatusFree, MessageReceived{NewFreeCount: 100, MaxFree: 0})
	if res.Changed {
		t.Errorf("unset threshold must not hook, got %+v", res)
	}
}

func TestConversionFlow(t *testing.T) {
	res := Transition(StatusHooked, PaymentStarted{})
	if res.Status != StatusConverting || !res.Changed {
		t.Fatalf("expected converting, got %+v", res)
	}

	res = Transition(StatusConverting, PaymentCompleted{Subscription: SubTrialing})
	if res.Status != StatusActive || !res.Changed {
		t.Fatalf("expected active, got %+v", res)
	}
	if !res.SetSub || res.Subscription != SubTrialing {
		t.Errorf("expected trialing subscription, got %+v", res)
	}
	if !ConsistentWith(res.Status, res.Subscription) {
		t.Error("active/trialing should be consistent")
	}
}

func TestPaymentCompletedIdempotent(t *testing.T) {
	res := Transition(StatusActive, PaymentCompleted{Subscription: SubActive})
	if res.Changed {
		t.Errorf("renewal on active user must not re-emit, got %+v", res)
	}
	if !res.SetSub || res.Subscription != SubActive {
		t.Errorf("subscription refresh still expected, got %+v", res)
	}
}

func TestLapseAndRecovery(t *testing.T) {
	res := Transition(StatusActive, SubscriptionLapsed{})
	if res.Status != StatusPaused || res.Subscription != SubPastDue {
		t.Fatalf("expected paused/past_due, got %+v", res)
	}

	res = Transition(StatusPaused, PaymentCompleted{Subscription: SubActive})
	if res.Status != StatusActive {
		t.Errorf("paused user should recover on payment, got %+v", res)
	}
}

func TestCancellationChurns(t *testing.T) {
	for _, from := range []Status{StatusActive, StatusPaused} {
		res := Transition(from, SubscriptionCanceled{Reason: "user_request"})
		if res.Status != StatusChurned || res.ChurnReason != "user_request" {
			t.Errorf("%s: expected churned/user_request, got %+v", from, res)
		}
		if !ConsistentWith(res.Status, res.Subscription) {
			t.Errorf("%s: churned state inconsistent: %+v", from, res)
		}
	}
}

func TestTerminalPaymentFailure(t *testing.T) {
	res := Transition(StatusPaused, PaymentFailed{Terminal: true})
	if res.Status != StatusChurned || res.ChurnReason != "payment_failed" {
		t.Fatalf("expected churned, got %+v", res)
	}
	want := map[EventType]bool{EventPaymentFailed: true, EventChurned: true}
	for _, ev := range res.Events {
		delete(want, ev)
	}
	if len(want) != 0 {
		t.Errorf("missing events %v in %v", want, res.Events)
	}
}

func TestRecoverablePaymentFailurePauses(t *testing.T) {
	res := Transition(StatusActive, PaymentFailed{Terminal: false})
	if res.Status != StatusPaused || res.Subscription != SubPastDue {
		t.Errorf("expected paused/past_due, got %+v", res)
	}
}

func TestChurnedIsTerminalForBilling(t *testing.T) {
	for _, trig := range []Trigger{
		PaymentStarted{},
		PaymentCompleted{Subscription: SubActive},
		SubscriptionLapsed{},
		SubscriptionCanceled{},
		PaymentFailed{Terminal: true},
	} {
		res := Transition(StatusChurned, trig)
		if res.Changed {
			t.Errorf("churned must ignore %T, got %+v", trig, res)
		}
	}
}

func TestUnknownStatusTreatedAsFree(t *testing.T) {
	res := Transition(Status("garbage"), MessageReceived{NewFreeCount: 5, MaxFree: 5})
	if res.Status != StatusHooked {
		t.Errorf("unknown status should behave as free, got %+v", res)
	}
	if Normalize("") != StatusFree {
		t.Error("empty status should normalize to free")
	}
}

func TestConsistency(t *testing.T) {
	if ConsistentWith(StatusActive, SubNone) {
		t.Error("active/none must be inconsistent")
	}
	if ConsistentWith(StatusActive, SubCanceled) {
		t.Error("active/canceled must be inconsistent")
	}
	if !ConsistentWith(StatusFree, SubNone) {
		t.Error("free/none should be fine")
	}
}

func TestFullAccessPolicy(t *testing.T) {
	// Hooked keeps full generation for now; paused/churned degrade.
	if !FullAccess(StatusHooked) {
		t.Error("hooked should retain full access")
	}
	if FullAccess(StatusPaused) || FullAccess(StatusChurned) {
		t.Error("paused/churned should degrade")
	}
}
