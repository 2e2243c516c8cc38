package language

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestLookupKnownCodes(t *testing.T) {
	for _, d := range All() {
		got, err := Lookup(d.Code)
		if err != nil {
			t.Fatalf("lookup %s: %v", d.Code, err)
		}
		if got.Code != d.Code || got.STTCode == "" {
			t.Fatalf("unexpected descriptor for %s: %#v", d.Code, got)
		}
		if got.Name == "" || got.Flag == "" {
			t.Fatalf("descriptor %s missing name or flag", d.Code)
		}
	}
}

func TestLookupUnsupported(t *testing.T) {
	_, err := Lookup("xx")
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestAccessibleVariant(t *testing.T) {
	d := MustLookup("ru-deaf")
	if !d.Accessible() {
		t.Fatalf("ru-deaf should be accessibility-adapted")
	}
	if d.STTCode != "ru-RU" {
		t.Fatalf("expected ru-RU dialect, got %s", d.STTCode)
	}
	if MustLookup("ru").Accessible() {
		t.Fatalf("ru should be standard")
	}
}

func TestDefaultsAreInCatalog(t *testing.T) {
	if _, err := Lookup(Default); err != nil {
		t.Fatalf("default language missing: %v", err)
	}
	if _, err := Lookup(DefaultCaptions); err != nil {
		t.Fatalf("default captions language missing: %v", err)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	all := All()
	all[0].Code = "mutated"
	if All()[0].Code == "mutated" {
		t.Fatalf("All must not expose the backing table")
	}
}

func TestDescriptorJSON(t *testing.T) {
	data, err := json.Marshal(MustLookup("fr"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"code", "name", "flag", "supportedSTT", "sttCode"} {
		if _, ok := got[key]; !ok {
			t.Fatalf("missing key %s in %s", key, data)
		}
	}
	if _, ok := got["Variant"]; ok {
		t.Fatalf("variant must not be serialized")
	}
}

func TestDescriptorsDoNotShareProviders(t *testing.T) {
	d := MustLookup("fr")
	d.SupportedSTT[0] = "mutated"
	for _, e := range All() {
		if e.SupportedSTT[0] == "mutated" {
			t.Fatalf("lookup result aliases catalog entry %s", e.Code)
		}
	}

	all := All()
	all[1].SupportedSTT[0] = "mutated"
	if got := MustLookup(all[1].Code).SupportedSTT[0]; got == "mutated" {
		t.Fatalf("All result aliases catalog entry %s", all[1].Code)
	}
}

func TestDialectPerProvider(t *testing.T) {
	tests := []struct {
		code, provider, want string
	}{
		{"fr", ProviderDeepgram, "fr"},
		{"fr", ProviderGoogle, "fr-FR"},
		{"ja", ProviderDeepgram, "ja"},
		{"en", ProviderDeepgram, "en-US"},
		{"ru-deaf", ProviderDeepgram, "ru"},
		{"de", "other", "de-DE"},
	}
	for _, tt := range tests {
		if got := MustLookup(tt.code).Dialect(tt.provider); got != tt.want {
			t.Fatalf("Dialect(%s, %s) = %q, want %q", tt.code, tt.provider, got, tt.want)
		}
	}
}
