// Package cart implements the shopper cart: input validation, a persisted
// line-item store and the totals shown at checkout.
package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/midastechnical/storefront-sync/internal/obs"
)

const (
	maxProductIDLen = 100
	maxNameLen      = 200

	// MaxQuantity bounds a single line, both as input and after merging.
	MaxQuantity = 9999
)

// Sentinel errors behind ValidationError codes, for use with errors.Is.
var (
	ErrInvalidProductID = errors.New("invalid product id")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidQuantity  = errors.New("invalid quantity")
)

// ValidationError describes a rejected add-to-cart input in terms a shopper can be shown.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
	err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.err }

func invalid(field, code, msg string, sentinel error) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: msg, err: sentinel}
}

// RawPrice is a price as submitted by the storefront: either a JSON number or a
// currency formatted string such as "$1,299.99".
type RawPrice string

// NumericPrice wraps a float price as a RawPrice.
func NumericPrice(f float64) RawPrice {
	return RawPrice(strconv.FormatFloat(f, 'f', -1, 64))
}

// UnmarshalJSON accepts numbers, strings and null.
func (p *RawPrice) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*p = ""
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*p = RawPrice(str)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("price must be a number or string: %w", err)
		}
		*p = RawPrice(n.String())
	}
	return nil
}

// Input is an unvalidated add-to-cart request.
type Input struct {
	ProductID string   `json:"product_id"`
	Name      string   `json:"name"`
	Price     RawPrice `json:"price"`
	ImageURL  string   `json:"image_url,omitempty"`
	Quantity  int      `json:"quantity,omitempty"`
}

// Validator turns raw inputs into line items. It has no side effects.
type Validator struct {
	// PlaceholderImage replaces absent or unusable image URLs.
	PlaceholderImage string
	// LenientPrice restores the legacy storefront behavior of pricing an
	// unparsable price string at 0 instead of rejecting it.
	LenientPrice bool
}

// Validate checks and normalizes in. Quantity defaults to 1.
func (v Validator) Validate(in Input) (LineItem, error) {
	id := strings.TrimSpace(in.ProductID)
	if id == "" {
		return LineItem{}, invalid("product_id", "InvalidProductId", "product id is required", ErrInvalidProductID)
	}
	if utf8.RuneCountInString(id) > maxProductIDLen {
		return LineItem{}, invalid("product_id", "InvalidProductId", "product id is too long", ErrInvalidProductID)
	}

	name := Sanitize(in.Name)
	if name == "" {
		return LineItem{}, invalid("name", "InvalidName", "name is required", ErrInvalidName)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return LineItem{}, invalid("name", "InvalidName", "name is too long", ErrInvalidName)
	}

	price, err := ParsePrice(string(in.Price))
	if err != nil {
		if !v.LenientPrice || errors.Is(err, errNegativePrice) {
			return LineItem{}, invalid("price", "InvalidPrice", err.Error(), ErrInvalidPrice)
		}
		obs.Logger.Warn("cart_price_defaulted", "product_id", id, "raw_price", string(in.Price), "error", err)
		price = decimal.Zero
	}

	qty := in.Quantity
	if qty == 0 {
		qty = 1
	}
	if qty < 0 {
		return LineItem{}, invalid("quantity", "InvalidQuantity", "quantity must be positive", ErrInvalidQuantity)
	}
	if qty > MaxQuantity {
		return LineItem{}, tooMany()
	}

	return LineItem{
		ProductID: id,
		Name:      name,
		UnitPrice: price,
		ImageURL:  v.image(in.ImageURL),
		Quantity:  qty,
	}, nil
}

func (v Validator) image(raw string) string {
	s := Sanitize(raw)
	if s == "" {
		return v.PlaceholderImage
	}
	u, err := url.Parse(s)
	if err != nil {
		return v.PlaceholderImage
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		if u.Host == "" {
			return v.PlaceholderImage
		}
		return s
	case u.Scheme == "" && strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "//"):
		return s
	default:
		return v.PlaceholderImage
	}
}

var htmlStripper = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "")

func tooMany() *ValidationError {
	return invalid("quantity", "InvalidQuantity", fmt.Sprintf("quantity must not exceed %d", MaxQuantity), ErrInvalidQuantity)
}

// Sanitize strips HTML significant characters and surrounding whitespace.
func Sanitize(s string) string {
	return strings.TrimSpace(htmlStripper.Replace(s))
}

var errNegativePrice = errors.New("price must not be negative")

// ParsePrice keeps digits, '.' and '-' and parses the rest as a decimal.
func ParsePrice(raw string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("price %q has no digits", raw)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %q is not a number", raw)
	}
	if d.IsNegative() {
		return decimal.Zero, errNegativePrice
	}
	return d, nil
}
