package sbncng

import "testing"

func TestDispatchHandledStopsLaterHandlers(t *testing.T) {
	e := NewEvent()

	var order []string

	e.AddListener(ObserverFunc(func(sender any, args Args) {
		order = append(order, "pre")
	}), PhasePreObserver, nil, true)

	e.AddListener(HandlerFunc(func(sender any, args Args) Result {
		order = append(order, "h1")
		return Handled
	}), PhaseHandler, nil, true)

	e.AddListener(HandlerFunc(func(sender any, args Args) Result {
		order = append(order, "h2")
		return Continue
	}), PhaseHandler, nil, true)

	e.AddListener(ObserverFunc(func(sender any, args Args) {
		order = append(order, "post")
	}), PhasePostObserver, nil, true)

	e.Dispatch(nil, Args{})

	want := []string{"pre", "h1", "post"}
	if len(order) != len(want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got order %v, want %v", order, want)
		}
	}
}

func TestBindFansOutToParentOnlyWhenFilterMatches(t *testing.T) {
	parent := NewEvent()
	child := NewEvent()

	allow := "yes"
	child.Bind(parent, func(sender any, args Args) bool {
		return sender == allow
	})

	var gotAllow, gotDeny bool
	child.AddListener(HandlerFunc(func(sender any, args Args) Result {
		if sender == allow {
			gotAllow = true
		} else {
			gotDeny = true
		}
		return Continue
	}), PhaseHandler, nil, true)

	parent.Dispatch("yes", Args{})
	parent.Dispatch("no", Args{})

	if !gotAllow {
		t.Fatalf("expected child handler invoked for matching sender")
	}
	if gotDeny {
		t.Fatalf("expected child handler NOT invoked for non-matching sender")
	}
}

func TestRemoveHandlerResultDeregisters(t *testing.T) {
	e := NewEvent()

	calls := 0
	e.AddListener(HandlerFunc(func(sender any, args Args) Result {
		calls++
		return Handled | RemoveHandler
	}), PhaseHandler, nil, true)

	e.Dispatch(nil, Args{})
	e.Dispatch(nil, Args{})

	if calls != 1 {
		t.Fatalf("expected listener to fire exactly once, got %d", calls)
	}
}

func TestPanicRecoveredAndDispatchContinues(t *testing.T) {
	e := NewEvent()

	e.AddListener(HandlerFunc(func(sender any, args Args) Result {
		panic("boom")
	}), PhaseHandler, nil, true)

	ran := false
	e.AddListener(ObserverFunc(func(sender any, args Args) {
		ran = true
	}), PhasePostObserver, nil, true)

	e.Dispatch(nil, Args{})

	if !ran {
		t.Fatalf("expected post-observer to still run after a panicking handler")
	}
}
