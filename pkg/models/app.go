// Package models contains the persistent records shared across the Bubble Monitor codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// App is a client application reporting bubbles. The SDK signs every batch
// with Secret; PublicKey travels in the X-BM-Key header.
type App struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	PublicKey string    `db:"public_key" json:"public_key"`
	Secret    string    `db:"secret"     json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
