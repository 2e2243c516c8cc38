// Package language holds the static catalog of caption languages and the
// speech recognition dialect code used for each of them.
package language

import (
	"errors"
	"fmt"
	"strings"
)

// Default is the input language used when a participant declares none, and
// the language recognition falls back to when a start fails.
const Default = "en"

// DefaultCaptions is the caption language assumed when a participant declares none.
const DefaultCaptions = "ru"

// AccessibleSuffix marks codes whose captions are adapted for deaf and
// hard-of-hearing readers.
const AccessibleSuffix = "-deaf"

// ErrUnsupported is returned for codes that are not in the catalog.
var ErrUnsupported = errors.New("unsupported language")

// Variant selects between literal and accessibility-adapted translation.
type Variant int

const (
	Standard Variant = iota
	Accessible
)

func (v Variant) String() string {
	switch v {
	case Accessible:
		return "accessible"
	default:
		return "standard"
	}
}

// Descriptor describes one catalog entry. Values handed out by Lookup and All
// are copies; changing them does not change the catalog.
type Descriptor struct {
	Code         string   `json:"code"`
	Name         string   `json:"name"`
	Flag         string   `json:"flag"`
	SupportedSTT []string `json:"supportedSTT"`
	// STTCode is the BCP-47 locale, used by recognizers without their own entry.
	STTCode string  `json:"sttCode,omitempty"`
	Variant Variant `json:"-"`

	dialects map[string]string
}

// Accessible reports whether captions in this language are accessibility-adapted.
func (d Descriptor) Accessible() bool {
	return d.Variant == Accessible
}

// Dialect returns the language code the named recognizer expects.
func (d Descriptor) Dialect(provider string) string {
	if code, ok := d.dialects[provider]; ok {
		return code
	}
	return d.STTCode
}

func (d Descriptor) clone() Descriptor {
	d.SupportedSTT = append([]string(nil), d.SupportedSTT...)
	return d
}

// Recognizer names as reported by transcribe.Recognizer.Name.
const (
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"
)

var sttProviders = []string{ProviderDeepgram, ProviderGoogle}

// Deepgram's live endpoint takes bare language tags except for English.
var catalog = []Descriptor{
	{Code: "en", Name: "English", Flag: "🇺🇸", STTCode: "en-US", dialects: map[string]string{ProviderDeepgram: "en-US"}},
	{Code: "es", Name: "Spanish", Flag: "🇪🇸", STTCode: "es-ES", dialects: map[string]string{ProviderDeepgram: "es"}},
	{Code: "fr", Name: "French", Flag: "🇫🇷", STTCode: "fr-FR", dialects: map[string]string{ProviderDeepgram: "fr"}},
	{Code: "de", Name: "German", Flag: "🇩🇪", STTCode: "de-DE", dialects: map[string]string{ProviderDeepgram: "de"}},
	{Code: "ja", Name: "Japanese", Flag: "🇯🇵", STTCode: "ja-JP", dialects: map[string]string{ProviderDeepgram: "ja"}},
	{Code: "ru", Name: "Russian", Flag: "🇷🇺", STTCode: "ru-RU", dialects: map[string]string{ProviderDeepgram: "ru"}},
	{Code: "ru" + AccessibleSuffix, Name: "Russian (accessible)", Flag: "🇷🇺", STTCode: "ru-RU", dialects: map[string]string{ProviderDeepgram: "ru"}},
}

var byCode map[string]Descriptor

func init() {
	byCode = make(map[string]Descriptor, len(catalog))
	for i := range catalog {
		d := &catalog[i]
		d.SupportedSTT = append([]string(nil), sttProviders...)
		if strings.HasSuffix(d.Code, AccessibleSuffix) {
			d.Variant = Accessible
		}
		if _, dup := byCode[d.Code]; dup {
			panic(fmt.Sprintf("language: duplicate catalog code %q", d.Code))
		}
		byCode[d.Code] = *d
	}
}

// Lookup returns the descriptor for code.
func Lookup(code string) (Descriptor, error) {
	d, ok := byCode[strings.TrimSpace(code)]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return d.clone(), nil
}

// MustLookup is Lookup for codes known to be in the catalog.
func MustLookup(code string) Descriptor {
	d, err := Lookup(code)
	if err != nil {
		panic(err)
	}
	return d
}

// All returns every catalog entry in table order.
func All() []Descriptor {
	out := make([]Descriptor, len(catalog))
	for i, d := range catalog {
		out[i] = d.clone()
	}
	return out
}
