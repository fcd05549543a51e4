package model

import "time"

// TimedLabel is one entry of a strategy's action log. The recorder spreads a
// list of them over the rows with the matching datetime.
type TimedLabel struct {
	Time  time.Time `json:"time"`
	Label string    `json:"label"`
}
