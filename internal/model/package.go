package model

import "time"

// Package is a distributable software package version known to the gateway.
// Deployments reference packages by name and version; a deployment cannot
// target an unknown or inactive package.
type Package struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Version   string    `json:"version" db:"version"`
	SourceURL string    `json:"source_url,omitempty" db:"source_url"`
	Checksum  string    `json:"checksum,omitempty" db:"checksum"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
