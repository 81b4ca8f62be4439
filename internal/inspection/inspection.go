package inspection

import (
	"errors"
	"math"
	"time"
)

// ErrNotFound is returned when an inspection cannot be resolved.
var ErrNotFound = errors.New("inspection not found")

// HoldingGroupName is the transient group photos wait in before
// auto-classification resolves their space.
const HoldingGroupName = "Pending Classification"

// Condition is a named condition level for a photo or space group.
type Condition string

const (
	ConditionExcellent Condition = "excellent"
	ConditionGood      Condition = "good"
	ConditionFair      Condition = "fair"
	ConditionPoor      Condition = "poor"
	ConditionDamaged   Condition = "damaged"
	ConditionCritical  Condition = "critical"
	ConditionUnrated   Condition = ""
)

// conditionScores maps condition levels to severity scores for averaging.
// Unrated photos score zero, same as critical.
var conditionScores = map[Condition]int{
	ConditionExcellent: 5,
	ConditionGood:      4,
	ConditionFair:      3,
	ConditionPoor:      2,
	ConditionDamaged:   1,
	ConditionCritical:  0,
	ConditionUnrated:   0,
}

var scoreConditions = [...]Condition{
	ConditionCritical,
	ConditionDamaged,
	ConditionPoor,
	ConditionFair,
	ConditionGood,
	ConditionExcellent,
}

// Score returns the severity score for a condition. Unknown levels rate zero.
func (c Condition) Score() int {
	return conditionScores[c]
}

// AverageCondition averages the conditions of a set of photos and rounds to
// the nearest named level.
func AverageCondition(conditions []Condition) Condition {
	if len(conditions) == 0 {
		return ConditionUnrated
	}
	sum := 0
	for _, c := range conditions {
		sum += c.Score()
	}
	avg := float64(sum) / float64(len(conditions))
	idx := int(math.Round(avg))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scoreConditions) {
		idx = len(scoreConditions) - 1
	}
	return scoreConditions[idx]
}

// Issue is a single detected problem on a photo.
type Issue struct {
	Title          string `json:"title"`
	Severity       string `json:"severity"` // low, medium, high
	Recommendation string `json:"recommendation,omitempty"`
}

// Photo is one inspection photo, analyzed or not.
type Photo struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	SpaceType  string     `json:"space_type,omitempty"`
	Condition  Condition  `json:"condition,omitempty"`
	Issues     []Issue    `json:"issues,omitempty"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
}

// SpaceGroup is a named grouping of photos sharing a classified location
// type. SortKey gives groups a stable display order.
type SpaceGroup struct {
	Name      string    `json:"name"`
	SortKey   int       `json:"sort_key"`
	SpaceType string    `json:"space_type,omitempty"`
	Condition Condition `json:"condition,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Actions   []string  `json:"actions,omitempty"`
	Photos    []Photo   `json:"photos"`
}

// Inspection is the owning entity for photo-processing jobs.
type Inspection struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Address        string       `json:"address,omitempty"`
	Groups         []SpaceGroup `json:"groups"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Group returns the group with the given name, or nil.
func (ins *Inspection) Group(name string) *SpaceGroup {
	for i := range ins.Groups {
		if ins.Groups[i].Name == name {
			return &ins.Groups[i]
		}
	}
	return nil
}

// EnsureGroup returns the group with the given name, creating it with the
// next sort key when missing.
func (ins *Inspection) EnsureGroup(name string) *SpaceGroup {
	if g := ins.Group(name); g != nil {
		return g
	}
	next := 0
	for i := range ins.Groups {
		if ins.Groups[i].SortKey >= next {
			next = ins.Groups[i].SortKey + 1
		}
	}
	ins.Groups = append(ins.Groups, SpaceGroup{Name: name, SortKey: next})
	return &ins.Groups[len(ins.Groups)-1]
}

// RemoveGroup drops the group with the given name.
func (ins *Inspection) RemoveGroup(name string) {
	for i := range ins.Groups {
		if ins.Groups[i].Name == name {
			ins.Groups = append(ins.Groups[:i], ins.Groups[i+1:]...)
			return
		}
	}
}

// FindPhoto locates a photo by id and returns it with its owning group.
func (ins *Inspection) FindPhoto(photoID string) (*SpaceGroup, *Photo) {
	for gi := range ins.Groups {
		for pi := range ins.Groups[gi].Photos {
			if ins.Groups[gi].Photos[pi].ID == photoID {
				return &ins.Groups[gi], &ins.Groups[gi].Photos[pi]
			}
		}
	}
	return nil, nil
}
