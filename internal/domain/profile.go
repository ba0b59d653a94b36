// Package domain contains the core data structures and domain logic for the application.
package domain

import "time"

// User is the upstream identity a profile is built for.
type User struct {
	Login       string    `json:"login"`
	Name        string    `json:"name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	HTMLURL     string    `json:"html_url,omitempty"`
	Company     string    `json:"company,omitempty"`
	Blog        string    `json:"blog,omitempty"`
	Location    string    `json:"location,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	PublicRepos int       `json:"public_repos"`
	Followers   int       `json:"followers"`
	Following   int       `json:"following"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repository is the subset of an upstream repository the profile needs.
type Repository struct {
	Name        string
	Owner       string
	Description *string
	Language    string
	Stars       int
	Fork        bool
	Size        int
}

// Commit is a single upstream commit.
type Commit struct {
	SHA         string
	AuthorLogin string
	CommittedAt time.Time
}

// QuarterStats summarises the quarter series.
type QuarterStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Max    int     `json:"max"`
}

// UserProfile is the computed profile served by the API and stored in the cache.
// It is built once and never mutated afterwards.
type UserProfile struct {
	User                        User                `json:"user"`
	QuarterCommitCount          OrderedMap[int]     `json:"quarterCommitCount"`
	QuarterCommitStats          QuarterStats        `json:"quarterCommitStats"`
	LangRepoCount               OrderedMap[int]     `json:"langRepoCount"`
	LangStarCount               OrderedMap[int]     `json:"langStarCount"`
	LangCommitCount             OrderedMap[int]     `json:"langCommitCount"`
	RepoCommitCount             OrderedMap[int]     `json:"repoCommitCount"`
	RepoStarCount               OrderedMap[int]     `json:"repoStarCount"`
	RepoCommitCountDescriptions OrderedMap[*string] `json:"repoCommitCountDescriptions"`
	RepoStarCountDescriptions   OrderedMap[*string] `json:"repoStarCountDescriptions"`
}
