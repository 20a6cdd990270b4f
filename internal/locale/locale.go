// Package locale holds the user-facing strings of the bot in every supported
// language.
package locale

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"golang.org/x/text/language"
)

// Message keys
const (
	Start          = "start"
	Caption        = "caption"
	ButtonHD       = "button_hd"
	InvoiceTitle   = "invoice_title"
	InvoiceDesc    = "invoice_description"
	InvoiceLabel   = "invoice_label"
	Delivered      = "delivered"
	Busy           = "busy"
	Rejected       = "rejected"
	PaymentInvalid = "payment_invalid"
	NotAvailable   = "not_available"
	NotPaid        = "not_paid"
	UnknownPhoto   = "unknown_photo"
	StorageError   = "storage_error"
	HDPending      = "hd_pending"
	ButtonRetryHD  = "button_retry_hd"
)

// Fallback is used when a language is unsupported or a key is missing.
const Fallback = "en"

//go:embed locales/*.json
var files embed.FS

// supported is ordered; the first entry is the matcher's default.
var supported = []string{"en", "fa", "ru", "ar", "hi"}

// Catalog resolves message keys per language.
type Catalog struct {
	bundles map[string]map[string]string
	matcher language.Matcher
}

// Load parses the embedded bundles.
func Load() (*Catalog, error) {
	c := &Catalog{bundles: make(map[string]map[string]string, len(supported))}
	tags := make([]language.Tag, 0, len(supported))
	for _, lang := range supported {
		raw, err := files.ReadFile(path.Join("locales", lang+".json"))
		if err != nil {
			return nil, fmt.Errorf("read locale %s: %w", lang, err)
		}
		bundle := map[string]string{}
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", lang, err)
		}
		c.bundles[lang] = bundle
		tags = append(tags, language.MustParse(lang))
	}
	c.matcher = language.NewMatcher(tags)
	return c, nil
}

// MustLoad is Load that panics on error. The bundles are embedded, so an error
// is a build defect.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Lang maps a client language code (e.g. "ru-RU", "pt") onto a supported
// language, defaulting to Fallback.
func (c *Catalog) Lang(code string) string {
	if code == "" {
		return Fallback
	}
	tag, err := language.Parse(code)
	if err != nil {
		return Fallback
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return Fallback
	}
	return supported[idx]
}

// T returns the message for key in the language best matching code.
func (c *Catalog) T(code, key string) string {
	if msg, ok := c.bundles[c.Lang(code)][key]; ok {
		return msg
	}
	if msg, ok := c.bundles[Fallback][key]; ok {
		return msg
	}
	return key
}

// Supported lists the supported language codes.
func Supported() []string {
	return append([]string(nil), supported...)
}
