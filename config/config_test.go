package config

import "testing"

func TestParseEmptyReturnsDefault(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MMUEnabled {
		t.Fatalf("expected MMUEnabled false by default")
	}
	if len(cfg.Carveouts) != 0 {
		t.Fatalf("expected no carveout overrides by default")
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse("mmu.enabled=true;carveout.2.base=0x80000000;carveout.2.size=0x100000;carveout.3.size=4096")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.MMUEnabled {
		t.Fatalf("expected MMUEnabled true")
	}
	if got := cfg.Carveouts[2]; got.Base != 0x80000000 || got.Size != 0x100000 {
		t.Fatalf("unexpected core 2 carveout: %+v", got)
	}
	if got := cfg.Carveouts[3]; got.Base != 0 || got.Size != 4096 {
		t.Fatalf("unexpected core 3 carveout: %+v", got)
	}
}

func TestParseRejectsMalformedField(t *testing.T) {
	if _, err := Parse("mmu.enabled"); err == nil {
		t.Fatalf("expected error for field missing '='")
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	if _, err := Parse("bogus.key=1"); err == nil {
		t.Fatalf("expected error for unrecognized key")
	}
}

func TestParseRejectsBadCoreID(t *testing.T) {
	if _, err := Parse("carveout.x.base=1"); err == nil {
		t.Fatalf("expected error for non-numeric core id")
	}
}

func TestParseToleratesWhitespaceAndTrailingSemicolon(t *testing.T) {
	cfg, err := Parse("  mmu.enabled = false ; carveout.1.base=100; ")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MMUEnabled {
		t.Fatalf("expected MMUEnabled false")
	}
	if cfg.Carveouts[1].Base != 100 {
		t.Fatalf("unexpected core 1 base: %+v", cfg.Carveouts[1])
	}
}
