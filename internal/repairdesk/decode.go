package repairdesk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/midastechnical/storefront-sync/internal/model"
)

// RepairDesk has answered with a bare payload, {"data": ...} and {"items": ...}
// depending on endpoint and account version. Each endpoint gets one decoder
// that accepts all of them.

// unwrap returns the payload under the first non-null key, null when every
// present key is null, or body itself.
func unwrap(body []byte, keys ...string) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedResponse)
	}
	if body[0] != '{' {
		return body, nil
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	sawNull := false
	for _, k := range keys {
		v, ok := env[k]
		if !ok {
			continue
		}
		if !isNull(v) {
			return v, nil
		}
		sawNull = true
	}
	if sawNull {
		return json.RawMessage("null"), nil
	}
	return body, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

type wireItem struct {
	ID          flexString  `json:"id"`
	ItemID      flexString  `json:"item_id"`
	Name        string      `json:"name"`
	Price       flexDecimal `json:"price"`
	InStock     flexInt     `json:"in_stock"`
	SKU         flexString  `json:"sku"`
	Description string      `json:"description"`
}

func (w wireItem) toModel() (model.RemoteItem, error) {
	id := string(w.ID)
	if id == "" {
		id = string(w.ItemID)
	}
	if id == "" {
		return model.RemoteItem{}, fmt.Errorf("%w: inventory item without id", ErrMalformedResponse)
	}
	price := decimal.Decimal(w.Price)
	if price.IsNegative() {
		return model.RemoteItem{}, fmt.Errorf("%w: item %s has negative price %s", ErrMalformedResponse, id, price)
	}
	return model.RemoteItem{
		ID:          id,
		Name:        strings.TrimSpace(w.Name),
		Price:       price,
		InStock:     int64(w.InStock),
		SKU:         string(w.SKU),
		Description: w.Description,
	}, nil
}

// decodeInventoryPage decodes GET /inventory.
func decodeInventoryPage(body []byte) ([]model.RemoteItem, error) {
	raw, err := unwrap(body, "data", "items")
	if err != nil {
		return nil, err
	}
	// {"data": {"items": [...]}} is the paginated v2 shape
	if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '{' {
		if raw, err = unwrap(t, "items", "data"); err != nil {
			return nil, err
		}
	}
	var wire []wireItem
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: inventory page: %v", ErrMalformedResponse, err)
	}
	out := make([]model.RemoteItem, 0, len(wire))
	for _, w := range wire {
		it, err := w.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// decodeInventoryItem decodes GET and PUT /inventory/{id}.
func decodeInventoryItem(body []byte) (model.RemoteItem, error) {
	raw, err := unwrap(body, "data", "item")
	if err != nil {
		return model.RemoteItem{}, err
	}
	var w wireItem
	if err := json.Unmarshal(raw, &w); err != nil {
		return model.RemoteItem{}, fmt.Errorf("%w: inventory item: %v", ErrMalformedResponse, err)
	}
	return w.toModel()
}

// decodeCreatedOrder decodes POST /orders.
func decodeCreatedOrder(body []byte) (CreatedOrder, error) {
	raw, err := unwrap(body, "data", "order")
	if err != nil {
		return CreatedOrder{}, err
	}
	var w struct {
		ID      flexString `json:"id"`
		OrderID flexString `json:"order_id"`
		Status  string     `json:"status"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return CreatedOrder{}, fmt.Errorf("%w: order: %v", ErrMalformedResponse, err)
	}
	id := string(w.ID)
	if id == "" {
		id = string(w.OrderID)
	}
	if id == "" {
		return CreatedOrder{}, fmt.Errorf("%w: order without id", ErrMalformedResponse)
	}
	return CreatedOrder{ID: id, Status: w.Status}, nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if isNull(b) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// flexDecimal accepts a JSON number or a currency formatted string.
type flexDecimal decimal.Decimal

func (f *flexDecimal) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(string(s))
	if clean == "" {
		*f = flexDecimal(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return fmt.Errorf("bad price %q", string(s))
	}
	*f = flexDecimal(d)
	return nil
}

// flexInt accepts integers, integral floats and numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	if n, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	d, err := decimal.NewFromString(string(s))
	if err != nil || !d.Equal(d.Truncate(0)) {
		return fmt.Errorf("bad quantity %q", string(s))
	}
	*f = flexInt(d.IntPart())
	return nil
}
