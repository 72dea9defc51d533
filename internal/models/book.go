package models

import "sort"

// SortBook orders resting orders by price-time priority: lowest price first,
// then earliest creation, then lowest id.
func SortBook(orders []Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].Price.Equal(orders[j].Price) {
			return orders[i].Price.LessThan(orders[j].Price)
		}
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].ID < orders[j].ID
	})
}

// Matches reports whether o belongs to the listing described by f.
func (f OrderFilter) Matches(o Order) bool {
	if o.Asset != f.Asset || o.Fiat != f.Fiat || o.Status != f.Status {
		return false
	}
	return f.Direction == nil || *f.Direction == o.Direction
}
