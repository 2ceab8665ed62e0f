package simulator

import (
	"context"
	"testing"
)

func TestNewDefaultsChannelIDWhenEmpty(t *testing.T) {
	a := New("", nil)
	if a.ChannelID() != "simulator" {
		t.Fatalf("ChannelID = %q, want simulator", a.ChannelID())
	}
}

func TestSendTextRecordsDelivery(t *testing.T) {
	a := New("sim1", nil)
	if err := a.SendText(context.Background(), "peer1", "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	got := a.Deliveries()
	if len(got) != 1 || got[0].Kind != "text" || got[0].To != "peer1" || got[0].Text != "hello" {
		t.Fatalf("deliveries = %+v", got)
	}
}

func TestReplyTextAndSendTypingRecordDistinctKinds(t *testing.T) {
	a := New("sim1", nil)
	a.ReplyText(context.Background(), "msg1", "reply text")
	a.SendTyping(context.Background(), "peer1")

	got := a.Deliveries()
	if len(got) != 2 {
		t.Fatalf("deliveries len = %d, want 2", len(got))
	}
	if got[0].Kind != "reply" || got[1].Kind != "typing" {
		t.Fatalf("kinds = %q,%q, want reply,typing", got[0].Kind, got[1].Kind)
	}
}

func TestOnDeliverCallbackInvokedSynchronously(t *testing.T) {
	var seen []Delivery
	a := New("sim1", func(d Delivery) { seen = append(seen, d) })

	a.SendText(context.Background(), "peer1", "hi")

	if len(seen) != 1 || seen[0].Text != "hi" {
		t.Fatalf("onDeliver callback saw %+v", seen)
	}
}
