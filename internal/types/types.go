// Package types holds the domain values shared across handler packages.
package types

// User is the snapshot of an authenticated user carried in presence records
// and broadcasts. Email is the identity key for deduplication; the same
// person connected twice collapses to one entry.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Valid reports whether the snapshot carries the identity fields handlers
// rely on.
func (u User) Valid() bool {
	return u.Email != ""
}
