// Package mercadolivretest provides an in-process fake of the marketplace API
// for tests.
package mercadolivretest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Call kinds counted by the fake.
const (
	KindSearch    = "search"
	KindItem      = "item"
	KindVariation = "variation"
	KindPrices    = "prices"
	KindPost      = "post"
	KindReference = "reference"
	KindFee       = "fee"
	KindToken     = "token"
)

type failure struct {
	status int
	body   string
}

// Server is a fake marketplace. The zero configuration serves an empty catalog.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	pageSize      int
	reportedTotal int
	order         []string
	items         map[string]map[string]interface{}
	variations    map[string]map[string]interface{}
	prices        map[string][]map[string]interface{}
	references    map[string]interface{}
	fees          map[string]float64
	itemFailures  map[string]failure
	postFailures  map[string]failure
	priceFailures map[string]failure
	searchFailure *failure
	rateLimits    map[string]int
	posts         map[string][]json.RawMessage
	calls         map[string]int
	tokenHandler  http.HandlerFunc
}

func NewServer() *Server {
	s := &Server{
		pageSize:      100,
		items:         map[string]map[string]interface{}{},
		variations:    map[string]map[string]interface{}{},
		prices:        map[string][]map[string]interface{}{},
		references:    map[string]interface{}{},
		fees:          map[string]float64{},
		itemFailures:  map[string]failure{},
		postFailures:  map[string]failure{},
		priceFailures: map[string]failure{},
		rateLimits:    map[string]int{},
		posts:         map[string][]json.RawMessage{},
		calls:         map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{seller}/items/search", s.handleSearch)
	mux.HandleFunc("GET /items/{id}", s.handleItem)
	mux.HandleFunc("GET /items/{id}/variations/{vid}", s.handleVariation)
	mux.HandleFunc("GET /items/{id}/prices", s.handlePrices)
	mux.HandleFunc("POST /items/{id}/prices/standard/quantity", s.handlePost)
	mux.HandleFunc("GET /marketplace/benchmarks/items/{id}/details", s.handleReference)
	mux.HandleFunc("GET /sites/{site}/listing_prices", s.handleFee)
	mux.HandleFunc("POST /oauth/token", s.handleToken)

	s.Server = httptest.NewServer(mux)
	return s
}

// SetPageSize changes how many ids a scan page returns.
func (s *Server) SetPageSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pageSize = n
}

// SetReportedTotal overrides paging.total in scan responses.
func (s *Server) SetReportedTotal(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportedTotal = n
}

// AddItem registers an item. fields are merged over a minimal valid item.
func (s *Server) AddItem(id string, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := map[string]interface{}{
		"id":                 id,
		"title":              "Item " + id,
		"status":             "active",
		"site_id":            "MLB",
		"listing_type_id":    "gold_special",
		"price":              100,
		"currency_id":        "BRL",
		"available_quantity": 10,
		"sold_quantity":      0,
		"condition":          "new",
	}
	for k, v := range fields {
		item[k] = v
	}
	if _, exists := s.items[id]; !exists {
		s.order = append(s.order, id)
	}
	s.items[id] = item
}

// AddVariation registers the detail answer for GET /items/{id}/variations/{vid}.
func (s *Server) AddVariation(itemID string, variationID int64, fields map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := map[string]interface{}{"id": variationID}
	for k, val := range fields {
		v[k] = val
	}
	s.variations[fmt.Sprintf("%s/%d", itemID, variationID)] = v
}

// SetPrices sets the price list returned for an item.
func (s *Server) SetPrices(itemID string, prices []map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[itemID] = prices
}

// SetReference sets the benchmark details for an item. Items without one get 404.
func (s *Server) SetReference(itemID string, details interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.references[itemID] = details
}

func (s *Server) SetFee(listingTypeID string, fee float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[listingTypeID] = fee
}

// FailItem makes GET /items/{id} answer with status.
func (s *Server) FailItem(itemID string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.itemFailures[itemID] = failure{status: status, body: body}
}

// FailPost makes the quantity price POST for an item answer with status.
func (s *Server) FailPost(itemID string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postFailures[itemID] = failure{status: status, body: body}
}

// FailPrices makes GET /items/{id}/prices answer with status.
func (s *Server) FailPrices(itemID string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceFailures[itemID] = failure{status: status, body: body}
}

// FailSearch makes every scan page answer with status.
func (s *Server) FailSearch(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchFailure = &failure{status: status, body: body}
}

// RateLimit answers the next n calls of kind with 429.
func (s *Server) RateLimit(kind string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimits[kind] = n
}

// SetTokenHandler replaces the /oauth/token handler.
func (s *Server) SetTokenHandler(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenHandler = h
}

// Posts returns the quantity price bodies received for an item.
func (s *Server) Posts(itemID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.posts[itemID]...)
}

// Calls returns how many requests of kind were served, 429s included.
func (s *Server) Calls(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

// count records the call and reports whether it should be rate limited.
func (s *Server) count(w http.ResponseWriter, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[kind]++
	if s.rateLimits[kind] > 0 {
		s.rateLimits[kind]--
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"message":"too many requests"}`)
		return true
	}
	return false
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindSearch) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.searchFailure != nil {
		writeRaw(w, s.searchFailure.status, s.searchFailure.body)
		return
	}

	offset := 0
	if scroll := r.URL.Query().Get("scroll_id"); scroll != "" {
		offset, _ = strconv.Atoi(strings.TrimPrefix(scroll, "scroll-"))
	}
	end := offset + s.pageSize
	if end > len(s.order) {
		end = len(s.order)
	}
	results := []string{}
	if offset < len(s.order) {
		results = append(results, s.order[offset:end]...)
	}

	total := len(s.order)
	if s.reportedTotal > 0 {
		total = s.reportedTotal
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":   results,
		"scroll_id": fmt.Sprintf("scroll-%d", end),
		"paging":    map[string]interface{}{"total": total, "offset": offset, "limit": s.pageSize},
	})
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindItem) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if f, ok := s.itemFailures[id]; ok {
		writeRaw(w, f.status, f.body)
		return
	}
	item, ok := s.items[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "item not found"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleVariation(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindVariation) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.variations[r.PathValue("id")+"/"+r.PathValue("vid")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "variation not found"})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindPrices) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if f, ok := s.priceFailures[id]; ok {
		writeRaw(w, f.status, f.body)
		return
	}
	prices, ok := s.prices[id]
	if !ok {
		prices = []map[string]interface{}{
			{"id": "1", "type": "standard", "amount": 100, "currency_id": "BRL", "conditions": map[string]interface{}{}},
		}
	}
	if r.Header.Get("show-all-prices") != "true" {
		var standard []map[string]interface{}
		for _, p := range prices {
			if c, ok := p["conditions"].(map[string]interface{}); !ok || c["min_purchase_unit"] == nil {
				standard = append(standard, p)
			}
		}
		prices = standard
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "prices": prices})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindPost) {
		return
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	id := r.PathValue("id")
	if f, ok := s.postFailures[id]; ok {
		writeRaw(w, f.status, f.body)
		return
	}
	s.posts[id] = append(s.posts[id], json.RawMessage(body))
	writeRaw(w, http.StatusOK, string(body))
}

func (s *Server) handleReference(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindReference) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.references[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no benchmark"})
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	if s.count(w, KindFee) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lt := r.URL.Query().Get("listing_type_id")
	fee, ok := s.fees[lt]
	if !ok {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]interface{}{
		{"listing_type_id": lt, "sale_fee_amount": fee, "currency_id": "BRL"},
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.count(w, KindToken)

	s.mu.Lock()
	h := s.tokenHandler
	s.mu.Unlock()

	if h != nil {
		h(w, r)
		return
	}
	_ = r.ParseForm()
	if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  "refreshed-" + r.PostForm.Get("refresh_token"),
		"refresh_token": "next-" + r.PostForm.Get("refresh_token"),
		"token_type":    "bearer",
		"expires_in":    21600,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
