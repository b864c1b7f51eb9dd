package models

import "time"

// Commit is a structured commit-log record returned by the VCS adapter.
type Commit struct {
	Hash        string    `json:"hash"`
	AuthorName  string    `json:"author_name"`
	AuthorEmail string    `json:"author_email"`
	AuthorDate  time.Time `json:"author_date"`
	CommitDate  time.Time `json:"commit_date"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
}
