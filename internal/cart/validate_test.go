package cart

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const placeholder = "/images/placeholder-part.png"

func TestValidateSanitizesName(t *testing.T) {
	v := Validator{PlaceholderImage: placeholder}
	item, err := v.Validate(Input{ProductID: "p-1", Name: `<script>alert(1)</script>`, Price: "1"})
	require.NoError(t, err)
	assert.Equal(t, "scriptalert(1)/script", item.Name)
	assert.NotContains(t, item.Name, "<")
	assert.NotContains(t, item.Name, ">")

	item, err = v.Validate(Input{ProductID: "p-1", Name: `iPhone 12 "OEM" LCD's`, Price: "1"})
	require.NoError(t, err)
	assert.Equal(t, "iPhone 12 OEM LCDs", item.Name)
}

func TestValidateProductID(t *testing.T) {
	v := Validator{}
	_, err := v.Validate(Input{ProductID: "  ", Name: "x", Price: "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProductID))

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "InvalidProductId", ve.Code)

	_, err = v.Validate(Input{ProductID: strings.Repeat("a", 101), Name: "x", Price: "1"})
	assert.ErrorIs(t, err, ErrInvalidProductID)

	_, err = v.Validate(Input{ProductID: strings.Repeat("a", 100), Name: "x", Price: "1"})
	assert.NoError(t, err)
}

func TestValidateNameLength(t *testing.T) {
	v := Validator{}
	_, err := v.Validate(Input{ProductID: "p", Name: strings.Repeat("n", 201), Price: "1"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = v.Validate(Input{ProductID: "p", Name: "<>", Price: "1"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestValidatePriceFormats(t *testing.T) {
	v := Validator{}
	cases := map[RawPrice]string{
		"$12.99":        "12.99",
		"$1,299.00":     "1299",
		"12.5 USD":      "12.5",
		NumericPrice(7): "7",
		"0":             "0",
	}
	for raw, want := range cases {
		item, err := v.Validate(Input{ProductID: "p", Name: "n", Price: raw})
		require.NoError(t, err, "price %q", raw)
		assert.Equal(t, want, item.UnitPrice.String(), "price %q", raw)
	}
}

func TestValidatePriceStrictByDefault(t *testing.T) {
	v := Validator{}
	for _, raw := range []RawPrice{"", "call for price", "1.2.3", "-4"} {
		_, err := v.Validate(Input{ProductID: "p", Name: "n", Price: raw})
		assert.ErrorIs(t, err, ErrInvalidPrice, "price %q", raw)
	}
}

func TestValidatePriceLenientFallsBackToZero(t *testing.T) {
	v := Validator{LenientPrice: true}
	item, err := v.Validate(Input{ProductID: "p", Name: "n", Price: "call for price"})
	require.NoError(t, err)
	assert.True(t, item.UnitPrice.IsZero())

	_, err = v.Validate(Input{ProductID: "p", Name: "n", Price: "-4"})
	assert.ErrorIs(t, err, ErrInvalidPrice, "negative prices stay invalid")
}

func TestValidateImageURL(t *testing.T) {
	v := Validator{PlaceholderImage: placeholder}
	cases := map[string]string{
		"":                                placeholder,
		"javascript:alert(1)":             placeholder,
		"https://cdn.example.com/lcd.png": "https://cdn.example.com/lcd.png",
		"/images/lcd.png":                 "/images/lcd.png",
		`https://cdn.example.com/"a'.png`: "https://cdn.example.com/a.png",
		"//evil.example.com/x.png":        placeholder,
		"https://":                        placeholder,
	}
	for raw, want := range cases {
		item, err := v.Validate(Input{ProductID: "p", Name: "n", Price: "1", ImageURL: raw})
		require.NoError(t, err)
		assert.Equal(t, want, item.ImageURL, "image %q", raw)
	}
}

func TestValidateQuantity(t *testing.T) {
	v := Validator{}
	item, err := v.Validate(Input{ProductID: "p", Name: "n", Price: "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, item.Quantity)

	_, err = v.Validate(Input{ProductID: "p", Name: "n", Price: "1", Quantity: -2})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	item, err = v.Validate(Input{ProductID: "p", Name: "n", Price: "1", Quantity: MaxQuantity})
	require.NoError(t, err)
	assert.Equal(t, MaxQuantity, item.Quantity)

	for _, qty := range []int{MaxQuantity + 1, math.MaxInt} {
		_, err = v.Validate(Input{ProductID: "p", Name: "n", Price: "1", Quantity: qty})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "InvalidQuantity", verr.Code)
		assert.Equal(t, "quantity", verr.Field)
	}
}

func TestInputDecodesNumericAndStringPrices(t *testing.T) {
	var a, b Input
	require.NoError(t, json.Unmarshal([]byte(`{"product_id":"p","name":"n","price":12.99}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"product_id":"p","name":"n","price":"$12.99"}`), &b))
	assert.Equal(t, RawPrice("12.99"), a.Price)
	assert.Equal(t, RawPrice("$12.99"), b.Price)

	var c Input
	assert.Error(t, json.Unmarshal([]byte(`{"price":{"amount":1}}`), &c))
}
