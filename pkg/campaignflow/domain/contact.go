package domain

import (
	"slices"
	"time"
)

// Contact is the engine's read model of a record held by the Contact Store.
type Contact struct {
	ID                 string         `json:"id"`
	Email              string         `json:"email"`
	Unsubscribed       bool           `json:"unsubscribed"`
	Tags               []string       `json:"tags,omitempty"`
	Lists              []string       `json:"lists,omitempty"`
	Fields             map[string]any `json:"fields,omitempty"`
	LastPurchaseAt     *time.Time     `json:"lastPurchaseAt,omitempty"`
	LastPurchaseAmount float64        `json:"lastPurchaseAmount,omitempty"`
}

func (c *Contact) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Field resolves a named attribute, built-in attributes first.
func (c *Contact) Field(name string) (any, bool) {
	switch name {
	case "id":
		return c.ID, true
	case "email":
		return c.Email, c.Email != ""
	case "unsubscribed":
		return c.Unsubscribed, true
	case "tags":
		return c.Tags, true
	case "lists":
		return c.Lists, true
	case "lastPurchaseAmount":
		return c.LastPurchaseAmount, c.LastPurchaseAt != nil
	}
	v, ok := c.Fields[name]
	return v, ok
}

// PurchasedSince reports a purchase strictly after t.
func (c *Contact) PurchasedSince(t time.Time) bool {
	return c.LastPurchaseAt != nil && c.LastPurchaseAt.After(t)
}
