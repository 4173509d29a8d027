package cart

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrStorageIntegrity marks a persisted cart that is truncated, corrupt or fails its checksum.
var ErrStorageIntegrity = errors.New("cart storage integrity check failed")

// The persisted value is "v2:<checksum>:<json array>". The checksum is the first
// 8 bytes of SHA-256 over the JSON array, hex encoded. It only detects accidental
// truncation or corruption; anyone who can write the value can recompute it, so it
// provides neither confidentiality nor authenticity.
const envelopePrefix = "v2:"

// storedItem is the wire shape shared with the storefront's local storage.
type storedItem struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Price    json.Number `json:"price"`
	Image    string      `json:"image"`
	Quantity int         `json:"quantity"`
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// encodeItems serializes items into the checksummed envelope.
func encodeItems(items []LineItem) ([]byte, error) {
	stored := make([]storedItem, 0, len(items))
	for _, it := range items {
		stored = append(stored, storedItem{
			ID:       it.ProductID,
			Name:     it.Name,
			Price:    json.Number(it.UnitPrice.String()),
			Image:    it.ImageURL,
			Quantity: it.Quantity,
		})
	}
	payload, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	out := make([]byte, 0, len(envelopePrefix)+17+len(payload))
	out = append(out, envelopePrefix...)
	out = append(out, checksum(payload)...)
	out = append(out, ':')
	out = append(out, payload...)
	return out, nil
}

// decodeItems parses an envelope. A bare JSON array without the envelope is
// accepted as written by older storefront builds. Any inconsistency yields an
// error wrapping ErrStorageIntegrity.
func decodeItems(raw []byte) ([]LineItem, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	payload := raw
	if bytes.HasPrefix(raw, []byte(envelopePrefix)) {
		rest := raw[len(envelopePrefix):]
		sum, body, ok := bytes.Cut(rest, []byte(":"))
		if !ok {
			return nil, fmt.Errorf("%w: missing checksum separator", ErrStorageIntegrity)
		}
		if string(sum) != checksum(body) {
			return nil, fmt.Errorf("%w: checksum mismatch", ErrStorageIntegrity)
		}
		payload = body
	} else if raw[0] != '[' {
		return nil, fmt.Errorf("%w: unknown encoding", ErrStorageIntegrity)
	}

	var stored []storedItem
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIntegrity, err)
	}
	items := make([]LineItem, 0, len(stored))
	seen := make(map[string]struct{}, len(stored))
	for i, s := range stored {
		if s.ID == "" || s.Quantity < 1 {
			return nil, fmt.Errorf("%w: item %d is malformed", ErrStorageIntegrity, i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate product %s", ErrStorageIntegrity, s.ID)
		}
		seen[s.ID] = struct{}{}
		price, err := decimal.NewFromString(s.Price.String())
		if err != nil || price.IsNegative() {
			return nil, fmt.Errorf("%w: item %d has a bad price", ErrStorageIntegrity, i)
		}
		items = append(items, LineItem{
			ProductID: s.ID,
			Name:      s.Name,
			UnitPrice: price,
			ImageURL:  s.Image,
			Quantity:  s.Quantity,
		})
	}
	return items, nil
}
