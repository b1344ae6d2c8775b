// Package match is the padel match payload carried by the outbox.
//
// It validates and normalises match input before enqueue, synthesizes the
// provisional match shown while the entry is pending, and keeps the
// read-side list the UI renders.
package match

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/matchsync/internal/outbox"
)

// ScoreType selects how team1_sets/team2_sets are read.
type ScoreType string

const (
	ScoreSets   ScoreType = "sets"
	ScorePoints ScoreType = "points"
)

// Match is one game result.
type Match struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty" yaml:"created_at,omitempty"`

	Team1    []string  `json:"team1" yaml:"team1"`
	Team2    []string  `json:"team2" yaml:"team2"`
	Team1IDs []*string `json:"team1_ids,omitempty" yaml:"team1_ids,omitempty"`
	Team2IDs []*string `json:"team2_ids,omitempty" yaml:"team2_ids,omitempty"`

	Team1Sets int `json:"team1_sets" yaml:"team1_sets"`
	Team2Sets int `json:"team2_sets" yaml:"team2_sets"`

	ScoreType   ScoreType `json:"score_type,omitempty" yaml:"score_type,omitempty"`
	ScoreTarget *int      `json:"score_target,omitempty" yaml:"score_target,omitempty"`

	SourceTournamentID   *string `json:"source_tournament_id,omitempty" yaml:"source_tournament_id,omitempty"`
	SourceTournamentType *string `json:"source_tournament_type,omitempty" yaml:"source_tournament_type,omitempty"`

	Team1ServesFirst *bool `json:"team1_serves_first,omitempty" yaml:"team1_serves_first,omitempty"`
}

// Normalize trims and NFC-normalises player names and fills defaults:
// score_type "sets", team1_serves_first true.
func (m Match) Normalize() Match {
	m.Team1 = normalizeNames(m.Team1)
	m.Team2 = normalizeNames(m.Team2)
	if m.ScoreType == "" {
		m.ScoreType = ScoreSets
	}
	if m.Team1ServesFirst == nil {
		t := true
		m.Team1ServesFirst = &t
	}
	return m
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, norm.NFC.String(strings.TrimSpace(n)))
	}
	return out
}

// ServesFirst reports whether team 1 served first.
func (m Match) ServesFirst() bool {
	return m.Team1ServesFirst == nil || *m.Team1ServesFirst
}

// Winner returns 1 or 2, or 0 for a draw.
func (m Match) Winner() int {
	switch {
	case m.Team1Sets > m.Team2Sets:
		return 1
	case m.Team2Sets > m.Team1Sets:
		return 2
	default:
		return 0
	}
}

// Record converts the match to an outbox record.
func (m Match) Record() (outbox.Record, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode match: %w", err)
	}
	var rec outbox.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("encode match: %w", err)
	}
	return rec, nil
}

// FromRecord decodes an outbox record into a Match.
func FromRecord(rec outbox.Record) (Match, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Match{}, fmt.Errorf("decode match: %w", err)
	}
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		return Match{}, fmt.Errorf("decode match: %w", err)
	}
	return m, nil
}

// Records validates, normalises and converts a batch of matches.
func Records(v *Validator, matches []Match) ([]outbox.Record, error) {
	out := make([]outbox.Record, 0, len(matches))
	for i, m := range matches {
		m = m.Normalize()
		if err := v.Validate(m); err != nil {
			return nil, fmt.Errorf("match %d: %w", i+1, err)
		}
		rec, err := m.Record()
		if err != nil {
			return nil, fmt.Errorf("match %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
