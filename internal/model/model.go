// Package model holds the persisted and wire-level domain types shared by the
// stores, the dispatcher and the campaign scheduler.
package model

import (
	"strings"
	"time"
)

// Recipient is an ephemeral contact produced by the contact source or carried
// inline in a one-time schedule payload.
type Recipient struct {
	RawPhone    string `json:"rawPhone"`
	DisplayName string `json:"displayName,omitempty"`
}

// HistoryRecord tracks completed sends for one canonical identifier.
// Created on the first successful send, mutated on every subsequent one,
// deleted only by an explicit history reset.
type HistoryRecord struct {
	FirstSentAt time.Time `json:"firstSentAt"`
	LastSentAt  time.Time `json:"lastSentAt"`
	SendCount   int       `json:"sendCount"`
}

// ScheduleKind discriminates the persisted schedule variants.
type ScheduleKind int

const (
	KindInvalid ScheduleKind = iota
	KindOneTime
	KindDaily
	KindCron
)

func (k ScheduleKind) String() string {
	switch k {
	case KindOneTime:
		return "once"
	case KindDaily:
		return "daily"
	case KindCron:
		return "cron"
	default:
		return "invalid"
	}
}

// Schedule is one persisted campaign definition. Exactly one variant's fields
// are populated:
//
//   - one-time: numbers + whenUTC (+ executed/executedAt once fired)
//   - daily:    hhmm + dailyLimit (+ lastFiredKey/running while cycling)
//   - cron:     cronSpec + dailyLimit (same firing-state fields as daily)
//
// The schedule store owns the canonical copy; the scheduler works on an
// in-memory copy and persists every state mutation before a tick completes.
type Schedule struct {
	ID      string `json:"id"`
	Message string `json:"message"`

	// one-time
	Numbers    []Recipient `json:"numbers,omitempty"`
	WhenUTC    *time.Time  `json:"whenUTC,omitempty"`
	Executed   bool        `json:"executed,omitempty"`
	ExecutedAt *time.Time  `json:"executedAt,omitempty"`

	// recurring (daily or cron)
	HHMM         string `json:"hhmm,omitempty"`
	CronSpec     string `json:"cronSpec,omitempty"`
	DailyLimit   int    `json:"dailyLimit,omitempty"`
	LastFiredKey string `json:"lastFiredKey,omitempty"`
	Running      bool   `json:"running,omitempty"`
}

// Kind infers the schedule variant from which fields are populated.
func (s Schedule) Kind() ScheduleKind {
	switch {
	case s.WhenUTC != nil:
		return KindOneTime
	case strings.TrimSpace(s.HHMM) != "":
		return KindDaily
	case strings.TrimSpace(s.CronSpec) != "":
		return KindCron
	default:
		return KindInvalid
	}
}
