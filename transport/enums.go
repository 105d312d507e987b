package transport

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/c360/keybridge/errors"
)

// Priority orders traffic; lower values are more urgent.
type Priority int

const (
	PriorityRealTime Priority = iota + 1
	PriorityInteractiveHigh
	PriorityInteractiveLow
	PriorityDataHigh
	PriorityData
	PriorityDataLow
	PriorityBackground
)

// DefaultPriority applies when no priority is given.
const DefaultPriority = PriorityData

// CongestionControl decides what happens when a link is saturated.
type CongestionControl int

const (
	CongestionDrop CongestionControl = iota
	CongestionBlock
)

// Reliability of the channel used for a publication.
type Reliability int

const (
	BestEffort Reliability = iota
	Reliable
)

// Locality restricts which peers a message may come from or go to.
type Locality int

const (
	LocalitySessionLocal Locality = iota
	LocalityRemote
	LocalityAny
)

// QueryTarget selects which responders receive a query.
type QueryTarget int

const (
	TargetBestMatching QueryTarget = iota
	TargetAll
	TargetAllComplete
)

// ConsolidationMode controls duplicate reply elimination.
type ConsolidationMode int

const (
	ConsolidationAuto ConsolidationMode = iota
	ConsolidationNone
	ConsolidationMonotonic
	ConsolidationLatest
)

// SampleKind distinguishes puts from deletes.
type SampleKind int

const (
	SampleKindPut SampleKind = iota
	SampleKindDelete
)

var (
	priorityNames = map[Priority]string{
		PriorityRealTime:        "real_time",
		PriorityInteractiveHigh: "interactive_high",
		PriorityInteractiveLow:  "interactive_low",
		PriorityDataHigh:        "data_high",
		PriorityData:            "data",
		PriorityDataLow:         "data_low",
		PriorityBackground:      "background",
	}
	congestionNames = map[CongestionControl]string{
		CongestionDrop:  "drop",
		CongestionBlock: "block",
	}
	reliabilityNames = map[Reliability]string{
		BestEffort: "best_effort",
		Reliable:   "reliable",
	}
	localityNames = map[Locality]string{
		LocalitySessionLocal: "session_local",
		LocalityRemote:       "remote",
		LocalityAny:          "any",
	}
	targetNames = map[QueryTarget]string{
		TargetBestMatching: "best_matching",
		TargetAll:          "all",
		TargetAllComplete:  "all_complete",
	}
	consolidationNames = map[ConsolidationMode]string{
		ConsolidationAuto:      "auto",
		ConsolidationNone:      "none",
		ConsolidationMonotonic: "monotonic",
		ConsolidationLatest:    "latest",
	}
	sampleKindNames = map[SampleKind]string{
		SampleKindPut:    "put",
		SampleKindDelete: "delete",
	}
)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

func enumString[T ~int](v T, names map[T]string) string {
	if n, ok := names[v]; ok {
		return n
	}
	return strconv.Itoa(int(v))
}

// parseEnum accepts the numeric value or the name (case, "_" and "-" insensitive).
func parseEnum[T ~int](s string, names map[T]string, kind string) (T, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		if _, ok := names[T(n)]; ok {
			return T(n), nil
		}
		return 0, fmt.Errorf("%w: %s value %d out of range", errors.ErrInvalidConfig, kind, n)
	}
	want := normalize(s)
	for v, name := range names {
		if normalize(name) == want {
			return v, nil
		}
	}
	valid := make([]string, 0, len(names))
	for _, name := range names {
		valid = append(valid, name)
	}
	sort.Strings(valid)
	return 0, fmt.Errorf("%w: unknown %s %q (valid: %s)", errors.ErrInvalidConfig, kind, s,
		strings.Join(valid, ", "))
}

func unmarshalEnum[T ~int](data []byte, names map[T]string, kind string) (T, error) {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		return parseEnum(strconv.Itoa(n), names, kind)
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("%w: %s must be a number or a name", errors.ErrInvalidConfig, kind)
	}
	return parseEnum(s, names, kind)
}

func (p Priority) String() string          { return enumString(p, priorityNames) }
func (c CongestionControl) String() string { return enumString(c, congestionNames) }
func (r Reliability) String() string       { return enumString(r, reliabilityNames) }
func (l Locality) String() string          { return enumString(l, localityNames) }
func (t QueryTarget) String() string       { return enumString(t, targetNames) }
func (c ConsolidationMode) String() string { return enumString(c, consolidationNames) }
func (k SampleKind) String() string        { return enumString(k, sampleKindNames) }

// ParsePriority parses a priority number or name.
func ParsePriority(s string) (Priority, error) { return parseEnum(s, priorityNames, "priority") }

// ParseCongestionControl parses a congestion control number or name.
func ParseCongestionControl(s string) (CongestionControl, error) {
	return parseEnum(s, congestionNames, "congestion control")
}

// ParseReliability parses a reliability number or name.
func ParseReliability(s string) (Reliability, error) {
	return parseEnum(s, reliabilityNames, "reliability")
}

// ParseLocality parses a locality number or name.
func ParseLocality(s string) (Locality, error) { return parseEnum(s, localityNames, "locality") }

// ParseQueryTarget parses a query target number or name.
func ParseQueryTarget(s string) (QueryTarget, error) {
	return parseEnum(s, targetNames, "query target")
}

// ParseConsolidation parses a consolidation mode number or name.
func ParseConsolidation(s string) (ConsolidationMode, error) {
	return parseEnum(s, consolidationNames, "consolidation")
}

// ParseSampleKind parses a sample kind number or name.
func ParseSampleKind(s string) (SampleKind, error) {
	return parseEnum(s, sampleKindNames, "sample kind")
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Priority) UnmarshalJSON(data []byte) (err error) {
	*p, err = unmarshalEnum(data, priorityNames, "priority")
	return err
}

func (c CongestionControl) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *CongestionControl) UnmarshalJSON(data []byte) (err error) {
	*c, err = unmarshalEnum(data, congestionNames, "congestion control")
	return err
}

func (r Reliability) MarshalJSON() ([]byte, error) { return json.Marshal(r.String()) }

func (r *Reliability) UnmarshalJSON(data []byte) (err error) {
	*r, err = unmarshalEnum(data, reliabilityNames, "reliability")
	return err
}

func (l Locality) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *Locality) UnmarshalJSON(data []byte) (err error) {
	*l, err = unmarshalEnum(data, localityNames, "locality")
	return err
}

func (t QueryTarget) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *QueryTarget) UnmarshalJSON(data []byte) (err error) {
	*t, err = unmarshalEnum(data, targetNames, "query target")
	return err
}

func (c ConsolidationMode) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ConsolidationMode) UnmarshalJSON(data []byte) (err error) {
	*c, err = unmarshalEnum(data, consolidationNames, "consolidation")
	return err
}

func (k SampleKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *SampleKind) UnmarshalJSON(data []byte) (err error) {
	*k, err = unmarshalEnum(data, sampleKindNames, "sample kind")
	return err
}
