package main

import "testing"

func TestAuthPolicy(t *testing.T) {
	open := NoAuth()
	if !open.Authorize("") || !open.Authorize("Bearer anything") {
		t.Error("NoAuth must accept every request")
	}

	static := StaticToken("verysecret")
	if static.Authorize("") {
		t.Error("missing header accepted")
	}
	if static.Authorize("verysecret") {
		t.Error("token without Bearer prefix accepted")
	}
	if static.Authorize("Bearer wrong") {
		t.Error("wrong token accepted")
	}
	if static.Authorize("Bearer ") {
		t.Error("empty token accepted")
	}
	if !static.Authorize("Bearer verysecret") {
		t.Error("correct token rejected")
	}

	pred := TokenPredicate(func(token string) bool { return token == "dynamic" })
	if !pred.Authorize("Bearer dynamic") || pred.Authorize("Bearer other") {
		t.Error("predicate policy misbehaved")
	}
}

func TestEndpointClaim(t *testing.T) {
	e := &Endpoint{ID: "abc", subscribers: make(map[string]struct{})}
	if !e.tryClaim() {
		t.Fatal("first claim refused")
	}
	if e.tryClaim() {
		t.Fatal("claimed endpoint claimed again")
	}
	e.releaseClaim()
	if !e.tryClaim() {
		t.Fatal("released claim not reusable")
	}
	e.addSubscriber("u1")
	e.releaseClaim()
	if !e.inUse() {
		t.Fatal("release must not free an endpoint that is serving")
	}
}

func TestEndpointSubscriberAccounting(t *testing.T) {
	e := &Endpoint{ID: "abc", subscribers: make(map[string]struct{})}
	if e.inUse() {
		t.Error("fresh endpoint reported in use")
	}
	e.addSubscriber("u1")
	if !e.inUse() || e.countSubscribers() != 1 {
		t.Error("subscriber not accounted")
	}
	e.removeSubscriber("u1")
	if e.inUse() || e.countSubscribers() != 0 {
		t.Error("endpoint not released after last subscriber left")
	}
}
