package schema

import "testing"

func TestScopedType(t *testing.T) {
	if got := ScopedType(TypeTick, "BTC-USDT"); got != EventType("TICK:BTC-USDT") {
		t.Fatalf("ScopedType = %q", got)
	}
	if got := ScopedType(TypeTick, "  "); got != TypeTick {
		t.Fatalf("blank id should return broad type, got %q", got)
	}
}

func TestBase(t *testing.T) {
	if got := EventType("TICK:BTC-USDT").Base(); got != TypeTick {
		t.Fatalf("Base = %q", got)
	}
	if got := TypeOrder.Base(); got != TypeOrder {
		t.Fatalf("Base of broad type = %q", got)
	}
}

func TestEventTypeValidate(t *testing.T) {
	if err := TypeTick.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := EventType("").Validate(); err == nil {
		t.Fatal("expected error for empty type")
	}
	if err := EventType("TICK:").Validate(); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestNewEventStampsIdentity(t *testing.T) {
	evt := NewEvent(TypeTick, "binance", "BTC-USDT", TickPayload{Symbol: "BTC-USDT"})
	if evt.ID == "" {
		t.Fatal("expected event id")
	}
	if evt.TS.IsZero() {
		t.Fatal("expected timestamp")
	}
	if evt.Type != TypeTick || evt.Source != "binance" || evt.Symbol != "BTC-USDT" {
		t.Fatalf("unexpected event fields: %+v", evt)
	}
}
