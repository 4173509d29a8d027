package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/midastechnical/storefront-sync/internal/cart"
	"github.com/midastechnical/storefront-sync/internal/obs"
)

const (
	sessionHeader    = "X-Session-Id"
	maxSessionIDLen  = 128
	cartUnavailable  = "cart_unavailable"
	validationFailed = "validation_error"
)

type cartSummary struct {
	Subtotal    string `json:"subtotal"`
	ShippingFee string `json:"shipping_fee"`
	Total       string `json:"total"`
	ItemCount   int    `json:"item_count"`
	LineCount   int    `json:"line_count"`
}

type cartView struct {
	Items    []cart.LineItem `json:"items"`
	Summary  cartSummary     `json:"summary"`
	Repriced []string        `json:"repriced,omitempty"`
}

func (a *App) view(items []cart.LineItem, repriced []string) cartView {
	s := cart.Summarize(items, a.shipping)
	if items == nil {
		items = []cart.LineItem{}
	}
	return cartView{
		Items: items,
		Summary: cartSummary{
			Subtotal:    s.Subtotal.StringFixed(2),
			ShippingFee: s.ShippingFee.StringFixed(2),
			Total:       s.Total.StringFixed(2),
			ItemCount:   s.ItemCount,
			LineCount:   s.LineCount,
		},
		Repriced: repriced,
	}
}

// openCart loads the caller's cart. It writes the error response itself and
// returns nil on failure.
func (a *App) openCart(w http.ResponseWriter, r *http.Request) *cart.Store {
	session := strings.TrimSpace(r.Header.Get(sessionHeader))
	if session == "" || utf8.RuneCountInString(session) > maxSessionIDLen || strings.ContainsAny(session, ": \t") {
		WriteJSONError(w, http.StatusBadRequest, "missing_session", sessionHeader+" header is required")
		return nil
	}
	st := cart.NewStore(a.Carts.For(cart.Key(a.Cfg.Cart.Key, session)))
	if _, err := st.Load(r.Context()); err != nil {
		obs.Logger.Error("cart_load_failed", "request_id", RequestIDFromContext(r.Context()), "err", err.Error())
		WriteJSONError(w, http.StatusServiceUnavailable, cartUnavailable, err.Error())
		return nil
	}
	return st
}

func (a *App) writeCartError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *cart.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, jsonError{Error: verr.Code, Details: verr.Message, Field: verr.Field})
	case errors.Is(err, cart.ErrItemNotFound):
		WriteJSONError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		obs.Logger.Error("cart_save_failed", "request_id", RequestIDFromContext(r.Context()), "err", err.Error())
		WriteJSONError(w, http.StatusServiceUnavailable, cartUnavailable, err.Error())
	}
}

// getCartHandler returns the cart, first repricing lines whose catalog price moved.
func (a *App) getCartHandler(w http.ResponseWriter, r *http.Request) {
	st := a.openCart(w, r)
	if st == nil {
		return
	}
	changed, err := st.Reprice(r.Context(), catalogPrices{a.Products})
	if err != nil {
		// a stale price is still a usable cart
		obs.Logger.Warn("cart_reprice_failed", "request_id", RequestIDFromContext(r.Context()), "err", err.Error())
	}
	writeJSON(w, http.StatusOK, a.view(st.Items(), changed))
}

func (a *App) clearCartHandler(w http.ResponseWriter, r *http.Request) {
	st := a.openCart(w, r)
	if st == nil {
		return
	}
	if err := st.Clear(r.Context()); err != nil {
		a.writeCartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(st.Items(), nil))
}

func (a *App) addCartItemHandler(w http.ResponseWriter, r *http.Request) {
	var in cart.Input
	if !decodeBody(w, r, &in) {
		return
	}
	item, err := a.validator.Validate(in)
	if err != nil {
		a.writeCartError(w, r, err)
		return
	}
	st := a.openCart(w, r)
	if st == nil {
		return
	}
	if err := st.Add(r.Context(), item); err != nil {
		a.writeCartError(w, r, err)
		return
	}
	obs.Logger.Info("cart_item_added", "request_id", RequestIDFromContext(r.Context()), "product_id", item.ProductID, "quantity", item.Quantity)
	writeJSON(w, http.StatusOK, a.view(st.Items(), nil))
}

type quantityInput struct {
	Quantity *int `json:"quantity"`
}

func (a *App) setCartQuantityHandler(w http.ResponseWriter, r *http.Request) {
	var in quantityInput
	if !decodeBody(w, r, &in) {
		return
	}
	if in.Quantity == nil {
		WriteJSONError(w, http.StatusBadRequest, validationFailed, "quantity is required")
		return
	}
	st := a.openCart(w, r)
	if st == nil {
		return
	}
	if err := st.SetQuantity(r.Context(), r.PathValue("productId"), *in.Quantity); err != nil {
		a.writeCartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(st.Items(), nil))
}

func (a *App) removeCartItemHandler(w http.ResponseWriter, r *http.Request) {
	st := a.openCart(w, r)
	if st == nil {
		return
	}
	if err := st.Remove(r.Context(), r.PathValue("productId")); err != nil {
		a.writeCartError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.view(st.Items(), nil))
}
