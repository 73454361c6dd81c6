package venue

import (
	"bytes"
	"testing"
)

func TestEncodeOrderIntentDeterministic(t *testing.T) {
	order := Order{
		Symbol:      "ETH",
		Side:        SideBuy,
		Price:       2501.5,
		Size:        0.25,
		ReduceOnly:  false,
		Tif:         TifGTC,
		ClientIndex: 12345,
	}
	a, err := EncodeOrderIntent("lighter", order)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := EncodeOrderIntent("lighter", order)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("encoding is not deterministic")
	}
}

func TestOrderFingerprintDistinguishesIntents(t *testing.T) {
	order := Order{Symbol: "ETH", Side: SideSell, Price: 2500, Size: 1, Tif: TifGTC, ClientIndex: 1}
	fp1, err := OrderFingerprint("lighter", order)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	order.ClientIndex = 2
	fp2, err := OrderFingerprint("lighter", order)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 == fp2 {
		t.Fatalf("distinct intents produced equal fingerprints: %s", fp1)
	}
	fp3, err := OrderFingerprint("grvt", order)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp2 == fp3 {
		t.Fatalf("distinct venues produced equal fingerprints: %s", fp2)
	}
}

func TestEncodeOrderIntentRejectsIncomplete(t *testing.T) {
	if _, err := EncodeOrderIntent("", Order{Symbol: "ETH", Side: SideBuy}); err == nil {
		t.Fatalf("expected error for missing venue")
	}
	if _, err := EncodeOrderIntent("lighter", Order{Side: SideBuy}); err == nil {
		t.Fatalf("expected error for missing symbol")
	}
	if _, err := EncodeOrderIntent("lighter", Order{Symbol: "ETH"}); err == nil {
		t.Fatalf("expected error for missing side")
	}
}

func TestSideHelpers(t *testing.T) {
	if SideBuy.FundingSign() != -1 || SideSell.FundingSign() != 1 {
		t.Fatalf("funding sign convention broken")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Fatalf("opposite side broken")
	}
}
